// ABOUTME: Last-writer-wins reconciliation between the local and remote
// ABOUTME: copies of the preference pair. Pure computation, no I/O.
package prefsync

// Side identifies whose data the reconciled result came from.
type Side int

const (
	SideNone Side = iota // already in sync, nothing to do
	SideLocal
	SideRemote
	SideMerged
)

func (s Side) String() string {
	switch s {
	case SideNone:
		return "none"
	case SideLocal:
		return "local"
	case SideRemote:
		return "remote"
	case SideMerged:
		return "merged"
	default:
		return "unknown"
	}
}

// Snapshot pairs preferences with their metadata for reconciliation.
// Present is false when a side has no stored copy at all.
type Snapshot struct {
	Prefs   PreferenceSet
	Meta    SyncMetadata
	Present bool
}

// Outcome is the single authoritative pair plus which side(s) must be
// updated for both copies to converge.
type Outcome struct {
	Prefs      PreferenceSet
	Meta       SyncMetadata
	Winner     Side
	WriteLocal bool
	PushRemote bool
}

// Reconcile orders the two copies by lastModified, breaking ties by
// version, and on an exact tie merges field-by-field with local values
// winning collisions. Preferring local on the final tie avoids oscillation
// between two devices that keep re-reconciling the same pair.
//
// This is deliberately plain last-writer-wins, not a CRDT: the payload is
// a small settings bag edited by one logical user, rarely from two devices
// at once.
func Reconcile(local, remote Snapshot) Outcome {
	localOK := local.Present && local.Meta.Valid()
	remoteOK := remote.Present && remote.Meta.Valid()

	switch {
	case !localOK && !remoteOK:
		// Neither side holds anything usable: seed both from defaults.
		return Outcome{
			Prefs:      Defaults(),
			Meta:       SyncMetadata{LastModified: local.Meta.LastModified, Version: 1, DeviceID: local.Meta.DeviceID},
			Winner:     SideLocal,
			WriteLocal: true,
			PushRemote: true,
		}
	case !remoteOK:
		return Outcome{Prefs: local.Prefs.Clone(), Meta: local.Meta, Winner: SideLocal, PushRemote: true}
	case !localOK:
		return Outcome{Prefs: remote.Prefs.Clone(), Meta: remote.Meta, Winner: SideRemote, WriteLocal: true}
	}

	switch {
	case remote.Meta.LastModified > local.Meta.LastModified:
		return Outcome{Prefs: remote.Prefs.Clone(), Meta: remote.Meta, Winner: SideRemote, WriteLocal: true}
	case local.Meta.LastModified > remote.Meta.LastModified:
		return Outcome{Prefs: local.Prefs.Clone(), Meta: local.Meta, Winner: SideLocal, PushRemote: true}
	}

	// Equal timestamps: fall back to the version counter.
	switch {
	case remote.Meta.Version > local.Meta.Version:
		return Outcome{Prefs: remote.Prefs.Clone(), Meta: remote.Meta, Winner: SideRemote, WriteLocal: true}
	case local.Meta.Version > remote.Meta.Version:
		return Outcome{Prefs: local.Prefs.Clone(), Meta: local.Meta, Winner: SideLocal, PushRemote: true}
	}

	// Exact tie. Identical content means the copies have converged.
	if local.Prefs.Equal(remote.Prefs) {
		return Outcome{Prefs: local.Prefs.Clone(), Meta: local.Meta, Winner: SideNone}
	}

	// Divergent content at the same timestamp and version: shallow merge,
	// local wins per-key, and the bumped version makes the merge the newest
	// write on both sides.
	merged := Merge(local.Prefs, remote.Prefs)
	meta := SyncMetadata{
		LastModified: local.Meta.LastModified,
		Version:      maxInt64(local.Meta.Version, remote.Meta.Version) + 1,
		DeviceID:     local.Meta.DeviceID,
	}
	return Outcome{Prefs: merged, Meta: meta, Winner: SideMerged, WriteLocal: true, PushRemote: true}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
