package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// buildHeaderPlaintext canonically encodes every envelope field except
// the wire framing fields (magic, version, nonces, lengths, tags) that
// live outside the encrypted header. Field order here is exactly what
// Decode reverses, and exactly what the signature preimage is built
// from minus hopCount (see SignaturePreimage).
func buildHeaderPlaintext(e *Envelope, netHash [networkHashSize]byte) ([]byte, error) {
	if len(e.PublicKey) != publicKeySize {
		return nil, ErrBadPublicKeyLength
	}
	if err := checkFieldLen(e.FromPeerID); err != nil {
		return nil, err
	}
	if err := checkFieldLen(e.ToPeerID); err != nil {
		return nil, err
	}
	if err := checkFieldLen(e.MachineID); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(netHash[:])

	var flags byte
	if e.HasToPeerID() {
		flags |= flagHasToPeerID
	}
	buf.WriteByte(flags)

	writeField(&buf, e.FromPeerID)
	if e.HasToPeerID() {
		writeField(&buf, e.ToPeerID)
	}

	var channel [2]byte
	binary.BigEndian.PutUint16(channel[:], e.ChannelHash)
	buf.Write(channel[:])

	buf.WriteByte(e.HopCount)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMillis(e.Timestamp))
	buf.Write(ts[:])

	buf.Write(e.MessageID[:])
	writeField(&buf, e.MachineID)
	buf.Write(e.PublicKey[:])
	buf.Write(e.Signature[:])

	return buf.Bytes(), nil
}

// parseHeaderPlaintext is the inverse of buildHeaderPlaintext. It
// returns the decoded envelope fields and the network hash found in the
// header so the caller can compare it against the expected network.
func parseHeaderPlaintext(data []byte) (*Envelope, [networkHashSize]byte, error) {
	var netHash [networkHashSize]byte
	r := &fieldReader{buf: data}

	if err := r.readExact(netHash[:]); err != nil {
		return nil, netHash, err
	}
	flags, err := r.readByte()
	if err != nil {
		return nil, netHash, err
	}

	e := &Envelope{}
	e.FromPeerID, err = r.readField()
	if err != nil {
		return nil, netHash, err
	}
	if flags&flagHasToPeerID != 0 {
		e.ToPeerID, err = r.readField()
		if err != nil {
			return nil, netHash, err
		}
	}

	var channel [2]byte
	if err := r.readExact(channel[:]); err != nil {
		return nil, netHash, err
	}
	e.ChannelHash = binary.BigEndian.Uint16(channel[:])

	e.HopCount, err = r.readByte()
	if err != nil {
		return nil, netHash, err
	}

	var ts [8]byte
	if err := r.readExact(ts[:]); err != nil {
		return nil, netHash, err
	}
	e.Timestamp = millisToTime(binary.BigEndian.Uint64(ts[:]))

	if err := r.readExact(e.MessageID[:]); err != nil {
		return nil, netHash, err
	}
	e.MachineID, err = r.readField()
	if err != nil {
		return nil, netHash, err
	}
	if err := r.readExact(e.PublicKey[:]); err != nil {
		return nil, netHash, err
	}
	if err := r.readExact(e.Signature[:]); err != nil {
		return nil, netHash, err
	}
	if !r.atEnd() {
		return nil, netHash, fmt.Errorf("%w: trailing bytes in header", ErrTruncatedPacket)
	}

	return e, netHash, nil
}

func checkFieldLen(s string) error {
	if len(s) > maxFieldLen {
		return ErrFieldTooLong
	}
	return nil
}

func writeField(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

// fieldReader walks a header plaintext buffer left to right; every read
// method fails closed with ErrTruncatedPacket on short input.
type fieldReader struct {
	buf []byte
	pos int
}

func (r *fieldReader) atEnd() bool { return r.pos == len(r.buf) }

func (r *fieldReader) readExact(dst []byte) error {
	if len(r.buf)-r.pos < len(dst) {
		return ErrTruncatedPacket
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

func (r *fieldReader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncatedPacket
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *fieldReader) readField() (string, error) {
	n, err := r.readByte()
	if err != nil {
		return "", err
	}
	if len(r.buf)-r.pos < int(n) {
		return "", ErrTruncatedPacket
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
