package prefsync

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// SyncMetadata travels with every preference blob. The pair is read and
// written together so a value change is never persisted without a
// corresponding timestamp and version bump.
type SyncMetadata struct {
	LastModified int64  `json:"lastModified"` // unix milliseconds
	Version      int64  `json:"version"`
	DeviceID     string `json:"deviceId"`
}

// NewDeviceID generates the opaque per-installation identifier. Generated
// once and persisted alongside preferences.
func NewDeviceID() string {
	return "dev_" + ulid.Make().String()
}

// NewMetadata builds first-use metadata for a fresh installation.
func NewMetadata(now time.Time) SyncMetadata {
	return SyncMetadata{
		LastModified: now.UnixMilli(),
		Version:      1,
		DeviceID:     NewDeviceID(),
	}
}

// Valid reports whether the metadata is usable for reconciliation.
// Invalid metadata is treated the same as absent metadata.
func (m SyncMetadata) Valid() bool {
	return m.Version >= 1 && m.LastModified > 0
}

// Touch records a local mutation: the version strictly increases and the
// timestamp never moves backwards, even if the wall clock does.
func (m *SyncMetadata) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms < m.LastModified {
		ms = m.LastModified
	}
	m.LastModified = ms
	if m.Version < 1 {
		m.Version = 0
	}
	m.Version++
}

// ModifiedAt returns the timestamp as a time.Time for display.
func (m SyncMetadata) ModifiedAt() time.Time {
	return time.UnixMilli(m.LastModified).UTC()
}
