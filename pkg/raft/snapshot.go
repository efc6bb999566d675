package raft

// SnapshotMeta is the header describing a snapshot: how much of the
// log it replaces and what membership was active at that point.
type SnapshotMeta struct {
	LastLogId           LogId      `json:"lastLogId"`
	LastMembershipLogId LogId      `json:"lastMembershipLogId"`
	LastMembership      Membership `json:"lastMembership"`
	SnapshotId          string     `json:"snapshotId"`
}

// SnapshotStore persists and later reads a single "current snapshot":
// a meta header plus an opaque serialized state-machine body. Writing
// a new snapshot supersedes the previous one; prior snapshot storage
// is reclaimed only after the new one is fully durable, which is why
// installs go through a staging Install value rather than writing the
// live files in place.
type SnapshotStore interface {
	// Current returns the meta and the body of whatever snapshot is
	// currently persisted. found is false if no snapshot
	// has ever been saved.
	Current() (meta SnapshotMeta, body []byte, found bool, err error)

	// Save atomically replaces the current snapshot with meta/body in
	// a single call, used by a replica that snapshots its own state
	// machine locally (no streaming involved).
	Save(meta SnapshotMeta, body []byte) error

	// BeginInstall starts a staged, chunked install of a snapshot
	// streamed from the leader over the InstallSnapshot RPC. The
	// returned Install must be finished with either Commit or Discard.
	BeginInstall(meta SnapshotMeta) (Install, error)

	Close() error
}

// Install is a staging area for a snapshot arriving in chunks.
// Cancellation mid-stream (Discard) leaves the previously-current
// snapshot untouched; the staging area is simply discarded.
type Install interface {
	WriteChunk(data []byte) error
	Commit() error
	Discard()
}
