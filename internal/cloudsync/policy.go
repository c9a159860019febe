package cloudsync

import "time"

// DefaultTolerance absorbs clock and propagation skew between a remote write
// and the server timestamp this device last observed.
const DefaultTolerance = 5 * time.Second

// RemoteVersion is what the conflict policy needs from a remote record.
type RemoteVersion struct {
	ServerUpdatedAt *time.Time
	MessageCount    int
}

// LocalVersion is what the conflict policy needs from the local aggregate.
type LocalVersion struct {
	CloudLastUpdated *time.Time
	MessageCount     int
}

// Decision is the policy outcome plus a short reason for logs.
type Decision struct {
	TakeRemote bool
	Reason     string
}

// ShouldTakeRemote reports whether the remote record should replace the local
// copy. Ties and missing ordering signals keep the local copy.
func ShouldTakeRemote(remote RemoteVersion, local LocalVersion, tolerance time.Duration) bool {
	return Decide(remote, local, tolerance).TakeRemote
}

func Decide(remote RemoteVersion, local LocalVersion, tolerance time.Duration) Decision {
	if remote.ServerUpdatedAt == nil {
		return Decision{Reason: "remote has no server timestamp"}
	}

	// First contact: no baseline to compare against, the richer copy wins.
	if local.CloudLastUpdated == nil {
		if remote.MessageCount > local.MessageCount {
			return Decision{TakeRemote: true, Reason: "never synced, remote has more messages"}
		}
		return Decision{Reason: "never synced, local has at least as many messages"}
	}

	delta := remote.ServerUpdatedAt.Sub(*local.CloudLastUpdated)
	switch {
	case delta > tolerance:
		return Decision{TakeRemote: true, Reason: "remote is newer"}
	case delta < -tolerance:
		return Decision{Reason: "local baseline is newer"}
	default:
		return Decision{Reason: "within tolerance"}
	}
}
