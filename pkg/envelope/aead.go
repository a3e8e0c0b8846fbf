package envelope

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const headerTagSize = 8

// sealHeader encrypts plaintext under key/nonce with the RFC 8439
// ChaCha20-Poly1305 construction, but returns only an 8-byte prefix of
// the Poly1305 tag instead of the full 16. The short tag is enough to
// reject foreign-network traffic cheaply without widening every packet
// by a full authentication tag; the payload layer below keeps the full
// tag since it is sent once per packet, not twice.
func sealHeader(key [32]byte, nonce [headerNonceSize]byte, plaintext []byte) (ciphertext []byte, tag [headerTagSize]byte, err error) {
	stream, polyKey, err := newHeaderStream(key, nonce)
	if err != nil {
		return nil, tag, err
	}
	ciphertext = make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	fullTag := macTag(polyKey, ciphertext)
	copy(tag[:], fullTag[:headerTagSize])
	return ciphertext, tag, nil
}

// openHeader verifies the truncated tag against ciphertext (which needs
// no decryption to authenticate) and, on success, decrypts in place.
func openHeader(key [32]byte, nonce [headerNonceSize]byte, ciphertext []byte, tag [headerTagSize]byte) ([]byte, error) {
	stream, polyKey, err := newHeaderStream(key, nonce)
	if err != nil {
		return nil, err
	}

	fullTag := macTag(polyKey, ciphertext)
	if subtle.ConstantTimeCompare(fullTag[:headerTagSize], tag[:]) != 1 {
		return nil, ErrHeaderTagMismatch
	}

	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// newHeaderStream sets up the ChaCha20 keystream positioned at block 1
// (ready to encrypt/decrypt) and returns the one-time Poly1305 key taken
// from block 0, per RFC 8439 §2.8.
func newHeaderStream(key [32]byte, nonce [headerNonceSize]byte) (*chacha20.Cipher, [32]byte, error) {
	var polyKey [32]byte
	cipher, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, polyKey, err
	}
	var block0 [64]byte
	cipher.XORKeyStream(block0[:], block0[:])
	copy(polyKey[:], block0[:32])
	return cipher, polyKey, nil
}

// macTag computes the Poly1305 tag over ciphertext alone (no additional
// authenticated data), following the length-padding layout RFC 8439
// defines for the AEAD construction.
func macTag(polyKey [32]byte, ciphertext []byte) [16]byte {
	var mac []byte
	mac = append(mac, ciphertext...)
	if pad := len(ciphertext) % 16; pad != 0 {
		mac = append(mac, make([]byte, 16-pad)...)
	}
	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[0:8], 0) // no AAD
	binary.LittleEndian.PutUint64(lengths[8:16], uint64(len(ciphertext)))
	mac = append(mac, lengths[:]...)

	var tag [16]byte
	poly1305.Sum(&tag, mac, &polyKey)
	return tag
}
