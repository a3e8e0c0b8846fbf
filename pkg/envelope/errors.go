package envelope

import "errors"

// Decode failures are ordered: callers must check them in the sequence
// documented on Decode before ever looking at signature or application
// state. Each kind is distinct so callers can errors.Is against exactly
// the failure they care about instead of string-matching.
var (
	ErrInvalidMagic        = errors.New("envelope: invalid magic prefix")
	ErrUnsupportedVersion  = errors.New("envelope: unsupported version")
	ErrTruncatedPacket     = errors.New("envelope: truncated packet")
	ErrHeaderTagMismatch   = errors.New("envelope: header tag mismatch")
	ErrNetworkMismatch     = errors.New("envelope: network hash mismatch")
	ErrPayloadTagMismatch  = errors.New("envelope: payload tag mismatch")
	ErrFieldTooLong        = errors.New("envelope: field exceeds its length prefix")
	ErrBadPublicKeyLength  = errors.New("envelope: public key must be 32 bytes")
	ErrBadSignatureLength  = errors.New("envelope: signature must be 64 bytes")
)
