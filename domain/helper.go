package domain

import "os"

// HelperCallbackStatus is the small integer status a callback
// acknowledgement carries back to the save helper (spec.md §4.6).
type HelperCallbackStatus int

const (
	HelperOK HelperCallbackStatus = iota
	HelperOKContinue
	HelperFailedRecoverable
)

// HelperCallbackKind enumerates the five named async callbacks the save
// helper bridge registers.
type HelperCallbackKind int

const (
	CallbackSuspend HelperCallbackKind = iota
	CallbackPostcopy
	CallbackCheckpoint
	CallbackSwitchLogdirty
	CallbackToolstackSave
	CallbackToolstackRestore
)

// TerminationEvent is the single event the helper emits when its inner
// substream ends.
type TerminationEvent struct {
	RC     int
	Retval int
	Errno  int
}

// SaveHelperIface is the bridge to the external page-level save/restore
// helper process (spec.md §4.6). Callback bodies are supplied by the
// stream writer/reader/suspend/logdirty packages at Setup time; the
// bridge itself only pumps the pipe protocol and acks.
type SaveHelperIface interface {
	// Setup registers the callback bodies. Each returns a
	// HelperCallbackStatus to ack with.
	Setup(callbacks map[HelperCallbackKind]func() (HelperCallbackStatus, error))

	// Start launches the helper process over a pipe pair and begins
	// pumping callback events to the registered handlers. extraFiles are
	// handed to the child starting at fd 3, the channel the opaque inner
	// substream (spec.md §4.6) is written directly over.
	Start(extraFiles ...*os.File) error

	// Wait blocks until the helper's termination event arrives.
	Wait() (TerminationEvent, error)

	// Cancel requests the helper quiesce and terminate; idempotent.
	Cancel(err error)
}

// ToolstackIface produces/consumes the XENSTORE_DATA payload synchronously
// from the save-helper's toolstack-save/toolstack-restore callbacks.
type ToolstackIface interface {
	Save() (ToolstackRecord, error)
	Restore(ToolstackRecord) error
}
