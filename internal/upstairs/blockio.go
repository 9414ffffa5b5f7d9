package upstairs

import "context"

// BlockIO is the guest-facing contract every consumer of this package
// programs against — a virtual block device backed by replicated
// storage. File- and HTTP-backed adapters outside this package (a
// loopback NBD server, a qemu block driver shim) implement the other
// side of this same interface; Gateway is the only implementation that
// actually replicates.
type BlockIO interface {
	// Activate brings the device online at the given generation number,
	// blocking until quorum is reached or activation fails.
	Activate(ctx context.Context, generation uint64) error

	// QueryIsActive reports whether the device is currently serving IO.
	QueryIsActive() bool

	// TotalSize returns the region's total addressable bytes.
	TotalSize() uint64

	// BlockSize returns the region's block size in bytes.
	BlockSize() uint64

	// UUID identifies this region across its replicas.
	UUID() string

	// Read fills buf (a multiple of BlockSize) starting at offset.
	Read(ctx context.Context, offset uint64, buf []byte) error

	// Write persists data (a multiple of BlockSize) starting at offset.
	Write(ctx context.Context, offset uint64, data []byte) error

	// WriteUnwritten is Write restricted to blocks the replicas have not
	// already accepted a write for — used for fast initial import.
	WriteUnwritten(ctx context.Context, offset uint64, data []byte) error

	// Flush durably commits everything acknowledged so far. Gateway
	// accepts snapshotName but does not act on it: no snapshot is taken
	// and the name is not sent to the replicas.
	Flush(ctx context.Context, snapshotName string) error

	// ShowWork reports a diagnostic snapshot of outstanding and recently
	// retired work, for status endpoints and tests.
	ShowWork() WorkSnapshot
}

// WorkSnapshot is a diagnostic point-in-time view of the WorkQueue.
type WorkSnapshot struct {
	Active  int
	Retired []JobID
}
