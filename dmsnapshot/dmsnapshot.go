//
// Copyright 2024 The Vmigrate Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package dmsnapshot implements the device-model (emulator) snapshot and
// restore path (spec.md §4.5): save snapshots the emulator to a file and
// hands it to the stream writer to frame as an EMULATOR_CONTEXT record;
// restore is the inverse, reassembling the record's spliced body into a
// file and handing it to the emulator's restore RPC.
package dmsnapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/stream"
)

// commandDeadline bounds how long the traditional save-to-file command is
// given to reach the "paused" state.
const commandDeadline = 10 * time.Second

// Snapshot drives one guest's device-model snapshot/restore.
type Snapshot struct {
	emulator domain.EmulatorRPCIface
	io       domain.IOServiceIface
	copier   domain.CopierIface
	store    domain.ConfigStoreIface
}

// New constructs a Snapshot over the given dependencies.
func New(emulator domain.EmulatorRPCIface, io domain.IOServiceIface, copier domain.CopierIface, store domain.ConfigStoreIface) *Snapshot {
	return &Snapshot{emulator: emulator, io: io, copier: copier, store: store}
}

// Save snapshots sess's device model to sess.DMSaveFile and has w frame
// it onto dst as a single EMULATOR_CONTEXT record (spec.md §4.5, §4.7),
// deleting the snapshot file once the splice completes.
func (s *Snapshot) Save(ctx context.Context, sess *domain.SaveSession, w *stream.Writer, dst domain.IOnodeIface) error {
	if err := s.requestSnapshotToFile(ctx, sess); err != nil {
		return err
	}

	f := s.io.NewIOnode(sess.DMSaveFile, 0644)
	if err := f.Open(os.O_RDONLY); err != nil {
		return domain.WrapError(domain.Failed, "open device-model snapshot file", err)
	}
	defer f.Remove()
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.WrapError(domain.Failed, "stat device-model snapshot file", err)
	}
	if !info.Mode().IsRegular() {
		return domain.NewError(domain.Invalid, "device-model snapshot path is not a regular file")
	}

	hdr := domain.EmulatorHeader{ID: emulatorID(s.emulator.IsTraditional(sess.Domid)), Index: 0}
	return w.WriteEmulatorContext(dst, hdr, f, info.Size())
}

func emulatorID(traditional bool) domain.EmulatorID {
	if traditional {
		return domain.EmulatorTraditional
	}
	return domain.EmulatorUpstream
}

func (s *Snapshot) requestSnapshotToFile(ctx context.Context, sess *domain.SaveSession) error {
	if !s.emulator.IsTraditional(sess.Domid) {
		if err := s.emulator.Stop(sess.Domid); err != nil {
			return domain.WrapError(domain.Failed, "stop emulator", err)
		}
		if err := s.emulator.Save(sess.Domid, sess.DMSaveFile); err != nil {
			return domain.WrapError(domain.Failed, "emulator save-to-file", err)
		}
		return nil
	}
	return s.viaCommandKey(ctx, sess.Domid)
}

func (s *Snapshot) viaCommandKey(ctx context.Context, domid uint32) error {
	cmdKey := dmCommandPath(domid)
	stateKey := dmStatePath(domid)

	ch, cancel := s.store.Watch(stateKey)
	defer cancel()

	if err := s.store.Set(cmdKey, "save"); err != nil {
		return domain.WrapError(domain.Failed, "write device-model save command", err)
	}

	ctx, stop := context.WithTimeout(ctx, commandDeadline)
	defer stop()

	for {
		select {
		case ev := <-ch:
			if ev.Ok && ev.Value == "paused" {
				return nil
			}
		case <-ctx.Done():
			return domain.NewError(domain.TimedOut, "device-model save-to-file did not reach paused state")
		}
	}
}

// OpenRestoreFile creates the file at the host's qemu-resume.<domid> path
// (spec.md §6) that an EMULATOR_CONTEXT record's body should be spliced
// into. It is meant to be used as a stream.Reader's
// Handlers.EmulatorContext callback; the caller must pass the returned
// node to FinishRestore once the splice completes.
func (s *Snapshot) OpenRestoreFile(rsess *domain.RestoreSession) (domain.IOnodeIface, error) {
	f := s.io.NewIOnode(restorePath(rsess), 0644)
	if err := f.Open(os.O_CREATE | os.O_WRONLY | os.O_TRUNC); err != nil {
		return nil, domain.WrapError(domain.Failed, "create device-model restore file", err)
	}
	return f, nil
}

// FinishRestore closes the file an EMULATOR_CONTEXT body was spliced into
// and hands its path to the emulator's restore-from-file RPC (spec.md
// §4.5 restore).
func (s *Snapshot) FinishRestore(rsess *domain.RestoreSession, f domain.IOnodeIface) error {
	if err := f.Close(); err != nil {
		return domain.WrapError(domain.Failed, "close device-model restore file", err)
	}
	if err := s.emulator.RestoreFromFile(rsess.Domid, restorePath(rsess)); err != nil {
		return domain.WrapError(domain.Failed, "emulator restore-from-file", err)
	}
	return nil
}

func restorePath(rsess *domain.RestoreSession) string {
	return filepath.Join(rsess.RunDir, fmt.Sprintf("qemu-resume.%d", rsess.Domid))
}

func dmCommandPath(domid uint32) string {
	return fmt.Sprintf("/local/domain/0/device-model/%d/command", domid)
}

func dmStatePath(domid uint32) string {
	return fmt.Sprintf("/local/domain/0/device-model/%d/state", domid)
}
