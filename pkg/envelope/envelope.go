// Package envelope implements the binary v2 datagram envelope: the
// authenticated, network-isolated wire format every node speaks. It is a
// pure function over bytes and a 32-byte network key; it holds no state
// and knows nothing about peers, endpoints, or transport.
package envelope

import "time"

const (
	magic           = "OMRT"
	version         = 0x02
	headerNonceSize = 12
	networkHashSize = 8
	signatureSize   = 64
	publicKeySize   = 32
	messageIDSize   = 16

	flagHasToPeerID = 1 << 0

	// maxFieldLen bounds every length-prefixed string field (fromPeerId,
	// toPeerId, machineId); the prefix itself is a single byte.
	maxFieldLen = 255
)

// Envelope is the decoded form of one datagram.
type Envelope struct {
	MessageID   [messageIDSize]byte
	FromPeerID  string
	PublicKey   [publicKeySize]byte
	MachineID   string
	ToPeerID    string // empty means absent
	ChannelHash uint16
	HopCount    uint8
	Timestamp   time.Time
	Payload     []byte
	Signature   [signatureSize]byte
}

// HasToPeerID reports whether the envelope carries a directed recipient.
func (e *Envelope) HasToPeerID() bool {
	return e.ToPeerID != ""
}

func timestampMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

func millisToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
