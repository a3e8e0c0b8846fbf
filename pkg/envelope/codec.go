package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encode seals e into the wire format described in the header field
// table. It is deterministic given a fixed header nonce (tests supply
// one directly via EncodeWithNonce); callers needing a live packet use
// Encode, which draws a fresh random nonce per call.
func Encode(e *Envelope, networkKey [32]byte) ([]byte, error) {
	var nonce [headerNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate header nonce: %w", err)
	}
	return EncodeWithNonce(e, networkKey, nonce)
}

// EncodeWithNonce is Encode with an explicit header nonce, exposed for
// round-trip tests that need reproducible output.
func EncodeWithNonce(e *Envelope, networkKey [32]byte, headerNonce [headerNonceSize]byte) ([]byte, error) {
	if len(e.Signature) != signatureSize {
		return nil, ErrBadSignatureLength
	}

	keys, err := deriveNetworkKeys(networkKey)
	if err != nil {
		return nil, err
	}
	netHash := networkHash(networkKey)

	headerPlain, err := buildHeaderPlaintext(e, netHash)
	if err != nil {
		return nil, err
	}
	headerCiphertext, headerTag, err := sealHeader(keys.header, headerNonce, headerPlain)
	if err != nil {
		return nil, err
	}
	if len(headerCiphertext) > 0xFFFF {
		return nil, ErrFieldTooLong
	}

	payloadAEAD, err := chacha20poly1305.New(keys.payload[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: build payload aead: %w", err)
	}
	pNonce := payloadNonce(headerNonce)
	sealed := payloadAEAD.Seal(nil, pNonce[:], e.Payload, nil)
	payloadCiphertext := sealed[:len(e.Payload)]
	payloadTag := sealed[len(e.Payload):]

	out := make([]byte, 0, 31+len(headerCiphertext)+len(payloadCiphertext))
	out = append(out, magic...)
	out = append(out, version)
	out = append(out, headerNonce[:]...)

	var lh [2]byte
	binary.BigEndian.PutUint16(lh[:], uint16(len(headerCiphertext)))
	out = append(out, lh[:]...)
	out = append(out, headerCiphertext...)
	out = append(out, headerTag[:]...)

	var lp [4]byte
	binary.BigEndian.PutUint32(lp[:], uint32(len(payloadCiphertext)))
	out = append(out, lp[:]...)
	out = append(out, payloadCiphertext...)
	out = append(out, payloadTag...)

	return out, nil
}

// Decode authenticates and parses a datagram. Failures are returned in
// the order the wire contract requires: magic, version, truncation,
// header tag, network hash, then payload tag. The first four checks
// never touch the payload ciphertext, so a foreign or garbage packet is
// rejected in constant, cheap work regardless of its claimed length.
func Decode(data []byte, networkKey [32]byte) (*Envelope, error) {
	if len(data) < len(magic)+1 {
		return nil, ErrTruncatedPacket
	}
	if string(data[:len(magic)]) != magic {
		return nil, ErrInvalidMagic
	}
	if data[len(magic)] != version {
		return nil, ErrUnsupportedVersion
	}

	pos := len(magic) + 1
	if len(data)-pos < headerNonceSize+2 {
		return nil, ErrTruncatedPacket
	}
	var headerNonce [headerNonceSize]byte
	copy(headerNonce[:], data[pos:pos+headerNonceSize])
	pos += headerNonceSize

	lh := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data)-pos < lh+headerTagSize {
		return nil, ErrTruncatedPacket
	}
	headerCiphertext := data[pos : pos+lh]
	pos += lh
	var headerTag [headerTagSize]byte
	copy(headerTag[:], data[pos:pos+headerTagSize])
	pos += headerTagSize

	if len(data)-pos < 4 {
		return nil, ErrTruncatedPacket
	}
	lp := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	payloadTagSize := chacha20poly1305.Overhead
	if len(data)-pos < lp+payloadTagSize {
		return nil, ErrTruncatedPacket
	}
	payloadCiphertext := data[pos : pos+lp]
	pos += lp
	payloadTag := data[pos : pos+payloadTagSize]
	pos += payloadTagSize
	if pos != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes after payload tag", ErrTruncatedPacket)
	}

	keys, err := deriveNetworkKeys(networkKey)
	if err != nil {
		return nil, err
	}

	headerPlain, err := openHeader(keys.header, headerNonce, headerCiphertext, headerTag)
	if err != nil {
		return nil, err
	}

	e, netHash, err := parseHeaderPlaintext(headerPlain)
	if err != nil {
		return nil, err
	}
	if netHash != networkHash(networkKey) {
		return nil, ErrNetworkMismatch
	}

	payloadAEAD, err := chacha20poly1305.New(keys.payload[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: build payload aead: %w", err)
	}
	pNonce := payloadNonce(headerNonce)
	sealedPayload := append(append([]byte{}, payloadCiphertext...), payloadTag...)
	plaintext, err := payloadAEAD.Open(nil, pNonce[:], sealedPayload, nil)
	if err != nil {
		return nil, ErrPayloadTagMismatch
	}
	e.Payload = plaintext

	return e, nil
}

// SignaturePreimage returns the canonical bytes an Ed25519 signature is
// computed over: every header field except the signature itself and,
// per the documented hop-count design decision, except hopCount too —
// forwarding mutates hopCount in flight without invalidating a relayed
// envelope's signature (see identity.Sign / dispatcher forwarding).
func SignaturePreimage(e *Envelope) []byte {
	clone := *e
	clone.HopCount = 0
	clone.Signature = [signatureSize]byte{}
	plain, err := buildHeaderPlaintext(&clone, [networkHashSize]byte{})
	if err != nil {
		// Fields are validated by the caller before signing; a failure
		// here means the envelope was never fit to send.
		panic(fmt.Sprintf("envelope: build signature preimage: %v", err))
	}
	return plain[networkHashSize:]
}
