package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"
)

// RotationAnnouncement is gossiped to coordinate a network key rotation:
// it lets members still holding the old key verify and accept a new one
// without ever putting the new key itself on the wire unsigned.
type RotationAnnouncement struct {
	NewNetworkKeyHash [32]byte
	GracePeriod       time.Duration
	Timestamp         time.Time
	Signature         [32]byte // HMAC-SHA256(oldNetworkKey, announcement)
}

// GenerateRotationAnnouncement signs newKey's hash under oldKey so
// holders of the old network key can authenticate the rotation.
func GenerateRotationAnnouncement(oldKey [32]byte, newKey [32]byte, gracePeriod time.Duration) RotationAnnouncement {
	a := RotationAnnouncement{
		NewNetworkKeyHash: sha256.Sum256(newKey[:]),
		GracePeriod:       gracePeriod,
		Timestamp:         time.Now().UTC(),
	}
	a.Signature = signRotation(oldKey, a.NewNetworkKeyHash, a.GracePeriod, a.Timestamp)
	return a
}

// ValidateRotationAnnouncement verifies signature and timestamp freshness
// (within one hour either direction, guarding against replay of a stale
// or clock-skewed announcement).
func ValidateRotationAnnouncement(oldKey [32]byte, a RotationAnnouncement) bool {
	if d := time.Since(a.Timestamp); d > time.Hour || d < -time.Hour {
		return false
	}
	expected := signRotation(oldKey, a.NewNetworkKeyHash, a.GracePeriod, a.Timestamp)
	return hmac.Equal(expected[:], a.Signature[:])
}

// VerifyNewNetworkKey checks a candidate key against the announced hash.
func VerifyNewNetworkKey(candidate [32]byte, a RotationAnnouncement) bool {
	hash := sha256.Sum256(candidate[:])
	return hmac.Equal(hash[:], a.NewNetworkKeyHash[:])
}

func signRotation(key [32]byte, hash [32]byte, grace time.Duration, ts time.Time) [32]byte {
	mac := hmac.New(sha256.New, key[:])
	fmt.Fprintf(mac, "%x|%d|%d", hash, int64(grace.Seconds()), ts.UnixMilli())
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// RotationState tracks one in-flight rotation on the local node: the old
// and new network keys and the grace period during which both count as
// current. It only reports on that window; the envelope decoder does not
// consult it.
type RotationState struct {
	OldKey      [32]byte
	NewKey      [32]byte
	GracePeriod time.Duration
	StartedAt   time.Time
	Completed   bool
}

// InGracePeriod reports whether both old and new keys should still be
// accepted for incoming envelopes.
func (rs *RotationState) InGracePeriod() bool {
	if rs.Completed {
		return false
	}
	return time.Since(rs.StartedAt) < rs.GracePeriod
}

// ShouldComplete reports whether the grace period has elapsed and the
// old key can now be dropped.
func (rs *RotationState) ShouldComplete() bool {
	return !rs.Completed && time.Since(rs.StartedAt) >= rs.GracePeriod
}
