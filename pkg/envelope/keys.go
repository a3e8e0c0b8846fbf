package envelope

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoHeader  = "omerta-header-v2"
	hkdfInfoPayload = "omerta-payload-v2"
)

// networkKeys holds the two subkeys derived from a network's shared
// secret, one per AEAD layer. Derivation is cheap enough to redo per
// packet, but callers that process many packets for the same network
// should derive once and reuse.
type networkKeys struct {
	header  [32]byte
	payload [32]byte
}

func deriveNetworkKeys(networkKey [32]byte) (networkKeys, error) {
	var keys networkKeys
	if err := deriveHKDF(networkKey, hkdfInfoHeader, keys.header[:]); err != nil {
		return networkKeys{}, err
	}
	if err := deriveHKDF(networkKey, hkdfInfoPayload, keys.payload[:]); err != nil {
		return networkKeys{}, err
	}
	return keys, nil
}

func deriveHKDF(secret [32]byte, info string, out []byte) error {
	reader := hkdf.New(sha256.New, secret[:], nil, []byte(info))
	_, err := io.ReadFull(reader, out)
	return err
}

// networkHash is the first 8 bytes of SHA256(networkKey); it is placed
// as the leading field inside the encrypted header so a receiver can
// reject foreign-network traffic immediately after decryption.
func networkHash(networkKey [32]byte) [networkHashSize]byte {
	sum := sha256.Sum256(networkKey[:])
	var out [networkHashSize]byte
	copy(out[:], sum[:networkHashSize])
	return out
}

// payloadNonce derives the payload AEAD nonce from the header nonce by
// flipping its last bit, giving two independent keystreams from a
// single random value with no shared suffix.
func payloadNonce(headerNonce [headerNonceSize]byte) [headerNonceSize]byte {
	out := headerNonce
	out[headerNonceSize-1] ^= 0x01
	return out
}
