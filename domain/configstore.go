package domain

// ConfigStoreIface is the guest-settings key-value tree (the xenstore
// analogue, spec.md §2 item 3 / §6). Paths are '/'-separated strings.
// Mutations go through Transaction for the "optimistic transaction with
// retry-on-conflict" semantics spec.md §5 requires.
type ConfigStoreIface interface {
	Get(path string) (string, bool)
	Set(path, value string) error

	// Watch delivers the new value (or ok=false on delete) every time path
	// changes, until ctx/stop is signaled via the returned cancel func.
	Watch(path string) (ch <-chan WatchEvent, cancel func())

	// Transaction runs fn against a snapshot of the store; fn's writes are
	// applied atomically iff the store hasn't changed underneath it since
	// the snapshot was taken, otherwise fn is retried against a fresh
	// snapshot. fn must be side-effect-free beyond calling Txn's Get/Set.
	Transaction(fn func(txn Txn) error) error

	// Physmap returns the current physmap entries backing the toolstack
	// XENSTORE_DATA record (SPEC_FULL.md §4).
	Physmap() []PhysmapEntry

	// Hints returns the guest suspend-predicate hints read from the
	// config tree (SPEC_FULL.md §4).
	Hints(domid uint32) GuestHints
}

// WatchEvent is delivered by ConfigStoreIface.Watch.
type WatchEvent struct {
	Value string
	Ok    bool
}

// Txn is the per-attempt transaction handle passed to
// ConfigStoreIface.Transaction's fn.
type Txn interface {
	Get(path string) (string, bool)
	Set(path, value string)
}
