package domain

import "time"

// GuestType distinguishes paravirtualized guests from full-hardware-assist
// (HVM) guests; several protocol branches key off this (device-model
// snapshot, HVM-only EMULATOR_CONTEXT record, ...).
type GuestType int

const (
	GuestPV GuestType = iota
	GuestHVM
)

// SaveFlags are the per-session behavior knobs carried in spec.md §3's
// save-session state.
type SaveFlags struct {
	Live         bool // live migration: guest keeps running while memory copies
	Debug        bool
	Checkpointed bool // this session runs a checkpoint loop (remus/colo), not a one-shot save
	Compress     bool // recorded from the command line; nothing in this module reads it, and the save helper is not told of it
}

// GuestHints carries the suspend-request-selection predicates the original
// reads out of xenstore/hvm params (SPEC_FULL.md §4): whether the guest has
// an initialized suspend event channel, an ACPI S-state published, and a
// paravirt driver loaded.
type GuestHints struct {
	EventChannelInitialized bool
	ACPIStatePublished      bool
	ParavirtDriverPresent   bool
}

// SaveSession is the mutable state of one save (or checkpoint-loop)
// session, per spec.md §3. It is created at session start, mutated by the
// stream writer and the suspend protocol, and destroyed once the
// session's completion callback has fired and all sibling tasks have
// joined.
type SaveSession struct {
	Domid        uint32
	Type         GuestType
	HVM          bool
	FdOut        int
	FdIn         int // colo only: secondary->primary pipe
	Flags        SaveFlags
	IntervalMS   int
	Hints        GuestHints
	GuestRespond bool // whether the guest acknowledged the suspend request
	DMSaveFile   string
}

// RestoreSession is the symmetric counterpart to SaveSession.
type RestoreSession struct {
	Domid         uint32
	Type          GuestType
	HVM           bool
	FdIn          int
	Legacy        bool
	LegacyWidth   int // 32 or 64
	ConvertedFd   int // fd of the converter's stdout once spawned
	RecordBuf     []byte
	RunDir        string
}

// CompletionResult is delivered exactly once when a session's top-level
// state machine (save, restore, a single remus loop, a colo side) is done.
type CompletionResult struct {
	Err    error
	Sent   int64
	Ctime  time.Time
}
