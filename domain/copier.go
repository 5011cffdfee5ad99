package domain

// CopyDirection identifies which side of a copy job a completion event
// refers to (spec.md §4.2).
type CopyDirection int

const (
	DirRead CopyDirection = iota
	DirWrite
)

// CompletionEvent is delivered once per direction when a copier job
// finishes (successfully or not).
type CompletionEvent struct {
	Direction CopyDirection
	Err       error
}

// CopierIface is the asynchronous byte-pump contract of spec.md §4.2. A
// stream job reads from a source IOnode and writes to a sink IOnode, both
// non-nil; the caller-prefixed "framed" mode is a sink-only job.
type CopierIface interface {
	// CopyStream pumps until EOF or maxSize bytes have moved (maxSize <= 0
	// means unbounded), delivering exactly one CompletionEvent (direction
	// DirWrite) on the returned channel.
	CopyStream(src, dst IOnodeIface, maxSize int64) <-chan CompletionEvent

	// CopyFramed writes a single caller-supplied, already-length-prefixed
	// block to dst.
	CopyFramed(dst IOnodeIface, block []byte) <-chan CompletionEvent

	// Cancel aborts every in-progress job; synchronous and idempotent.
	Cancel()
}

// EmulatorRPCIface is the out-of-scope device-model control surface
// consumed as a black box (spec.md §1): snapshot-to-file / restore-from-file
// plus the two logdirty paths.
type EmulatorRPCIface interface {
	// Upstream (qemu-xen style) calls.
	Stop(domid uint32) error
	Save(domid uint32, path string) error
	Resume(domid uint32) error
	RestoreFromFile(domid uint32, path string) error
	SetLogDirty(domid uint32, enable bool) error

	// Traditional (qemu-xen-traditional) calls, driven through the
	// config-store request/reply keys rather than a direct RPC; see
	// logdirty and dmsnapshot packages.
	IsTraditional(domid uint32) bool
}
