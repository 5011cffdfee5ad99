// Package sysio is the I/O abstraction every other package in this module
// reads/writes files through, so unit tests never touch the real
// filesystem. It mirrors the teacher's sysio package: production uses
// afero's OS-backed filesystem, tests use its in-memory one (SPEC_FULL.md
// §2 domain stack).
package sysio

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/sysmigrate/vmigrate/domain"
)

var _ domain.IOServiceIface = (*ioFileService)(nil)
var _ domain.IOnodeIface = (*ioNodeFile)(nil)

type ioFileService struct {
	fsType domain.IOServiceType
	appFs  afero.Fs
}

// NewIOService constructs the I/O service backing this module's file
// access. Pass domain.IOMemFileService in tests.
func NewIOService(fsType domain.IOServiceType) domain.IOServiceIface {
	svc := &ioFileService{fsType: fsType}
	if fsType == domain.IOMemFileService {
		svc.appFs = afero.NewMemMapFs()
	} else {
		svc.appFs = afero.NewOsFs()
		svc.fsType = domain.IOOsFileService
	}
	return svc
}

func (s *ioFileService) NewIOnode(path string, attr os.FileMode) domain.IOnodeIface {
	return &ioNodeFile{path: path, mode: attr, fss: s}
}

func (s *ioFileService) GetServiceType() domain.IOServiceType {
	return s.fsType
}

type ioNodeFile struct {
	path  string
	mode  os.FileMode
	file  afero.File
	fss   *ioFileService
}

func (n *ioNodeFile) Open(flags int) error {
	f, err := n.fss.appFs.OpenFile(n.path, flags, n.mode)
	if err != nil {
		return err
	}
	n.file = f
	return nil
}

func (n *ioNodeFile) Read(p []byte) (int, error) {
	if n.file == nil {
		return 0, fmt.Errorf("%s: not open", n.path)
	}
	return n.file.Read(p)
}

func (n *ioNodeFile) Write(p []byte) (int, error) {
	if n.file == nil {
		return 0, fmt.Errorf("%s: not open", n.path)
	}
	return n.file.Write(p)
}

func (n *ioNodeFile) Close() error {
	if n.file == nil {
		return nil
	}
	err := n.file.Close()
	n.file = nil
	return err
}

func (n *ioNodeFile) Stat() (os.FileInfo, error) {
	return n.fss.appFs.Stat(n.path)
}

func (n *ioNodeFile) Remove() error {
	return n.fss.appFs.Remove(n.path)
}

func (n *ioNodeFile) Path() string {
	return n.path
}
