// Package rotation derives the hourly-rotating BLE service UUID used to
// reduce passive tracking, and computes the scan/transmit UUID sets for a
// given instant including the overlap window around bucket boundaries.
package rotation

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"
)

// BucketDuration is the width of one rotation bucket.
const BucketDuration = time.Hour

// OverlapWindow is how long before a bucket boundary the next bucket's UUID
// is already transmitted/scanned, so in-range devices do not miss the flip.
const OverlapWindow = 5 * time.Minute

// LegacyUUID is advertised/scanned when backward compatibility is enabled.
const LegacyUUID = "F47B5E2D-4A9E-4C5A-9B3F-8E1D2C3A4B5C"

// globalRotationSecret is a fixed, project-wide, deterministic value so
// every device derives the same UUID for the same hour: SHA-256 of the
// ASCII string "gap-mesh-global-rotation-v1". A deployment that wants a
// private mesh invisible to devices running the public default can override
// it at startup with SetGlobalSecret, before any transport begins
// advertising or scanning.
var globalRotationSecret = sha256.Sum256([]byte("gap-mesh-global-rotation-v1"))

// SetGlobalSecret overrides the rotation secret every UUIDForBucket call
// uses from this point on. All devices sharing a mesh must set the same
// value (or none), or they will never derive matching service UUIDs.
func SetGlobalSecret(secret []byte) {
	globalRotationSecret = sha256.Sum256(secret)
}

// Bucket returns the rotation bucket index for an instant.
func Bucket(t time.Time) int64 {
	return t.UnixMilli() / BucketDuration.Milliseconds()
}

// UUIDForBucket deterministically derives the service UUID for bucket b:
// HMAC-SHA256(rotationSecret, "gap-mesh-ble-uuid-v1-" || decimal(b)),
// taking the first 16 bytes and forcing RFC 4122 version-4/variant bits.
func UUIDForBucket(b int64) string {
	mac := hmac.New(sha256.New, globalRotationSecret[:])
	mac.Write([]byte("gap-mesh-ble-uuid-v1-" + strconv.FormatInt(b, 10)))
	sum := mac.Sum(nil)

	var raw [16]byte
	copy(raw[:], sum[:16])
	raw[6] = (raw[6] & 0x0F) | 0x40 // version 4
	raw[8] = (raw[8] & 0x3F) | 0x80 // variant 10xx

	return formatUUID(raw)
}

func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// inOverlapWindow reports whether t falls within OverlapWindow of the end
// of its current bucket.
func inOverlapWindow(t time.Time) bool {
	bucketMillis := BucketDuration.Milliseconds()
	elapsed := t.UnixMilli() % bucketMillis
	remaining := bucketMillis - elapsed
	return time.Duration(remaining)*time.Millisecond <= OverlapWindow
}

// ScanSet returns the UUIDs a device should be scanning for at instant t:
// the current and previous bucket always, plus the next bucket during the
// overlap window, plus the legacy UUID if enabled.
func ScanSet(t time.Time, legacyCompat bool) []string {
	b := Bucket(t)
	set := []string{UUIDForBucket(b), UUIDForBucket(b - 1)}
	if inOverlapWindow(t) {
		set = append(set, UUIDForBucket(b+1))
	}
	if legacyCompat {
		set = append(set, LegacyUUID)
	}
	return set
}

// TransmitSet returns the UUIDs a device should be advertising at instant t:
// the current bucket always, plus the next bucket during the overlap window.
func TransmitSet(t time.Time) []string {
	b := Bucket(t)
	set := []string{UUIDForBucket(b)}
	if inOverlapWindow(t) {
		set = append(set, UUIDForBucket(b+1))
	}
	return set
}
