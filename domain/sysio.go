package domain

import "os"

// IOServiceType selects the backing filesystem an IOServiceIface uses,
// mirroring the teacher's domain.IOServiceIface split between a
// production OS-backed implementation and an in-memory one for tests.
type IOServiceType int

const (
	IOUnknown IOServiceType = iota
	IOOsFileService
	IOMemFileService
)

// IOServiceIface constructs IOnodeIface values backed by either the real
// filesystem or an in-memory one (spec.md §6 emulator-snapshot file,
// §4.5/§4.8 splice targets).
type IOServiceIface interface {
	NewIOnode(path string, attr os.FileMode) IOnodeIface
	GetServiceType() IOServiceType
}

// IOnodeIface is the abstract file handle every component in this module
// uses instead of touching *os.File directly, so tests can swap in an
// in-memory filesystem.
type IOnodeIface interface {
	Open(flags int) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Stat() (os.FileInfo, error)
	Remove() error
	Path() string
}
