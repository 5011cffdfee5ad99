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

// Package stream implements the migration stream's writer and reader
// state machines (spec.md §4.7, §4.8): the plain one-shot sequence and the
// checkpoint-inner sequence that a remus/colo loop repeats, plus the
// legacy-format converter splice on restore.
package stream

import (
	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/wire"
)

// Writer emits records onto a migration stream. It never buffers a whole
// record's payload when the payload is itself produced by another
// component (the save helper's LIBXC body, the device-model snapshot
// splice); in those cases it writes only the header up front and the
// padding once the body has landed, so the body and its padding become
// two consecutive jobs in the data copier.
type Writer struct {
	copier domain.CopierIface
}

// NewWriter constructs a Writer over the given data copier.
func NewWriter(copier domain.CopierIface) *Writer {
	return &Writer{copier: copier}
}

func (w *Writer) writeBytes(dst domain.IOnodeIface, b []byte) error {
	ev := <-w.copier.CopyFramed(dst, b)
	return ev.Err
}

// WriteHeader emits the 24-byte stream header that opens a migration
// stream.
func (w *Writer) WriteHeader(dst domain.IOnodeIface, opts uint32) error {
	hdr := domain.StreamHeader{Magic: domain.StreamMagic, Version: domain.StreamVersion, Options: opts}
	return w.writeBytes(dst, wire.EncodeHeader(hdr))
}

// WriteLibxcHeader emits just the LIBXC_CONTEXT record header, declaring
// length bytes of body that the save helper will write directly to dst
// itself (spec.md §4.7's "[helper runs, emits LIBXC body]"). Call
// FinishLibxcBody once the helper reports the body complete.
func (w *Writer) WriteLibxcHeader(dst domain.IOnodeIface, length uint32) error {
	return w.writeBytes(dst, wire.EncodeRecordHeader(domain.RecordHeader{Type: domain.RecLibxcContext, Length: length}))
}

// FinishLibxcBody writes the zero padding following a LIBXC_CONTEXT body
// the save helper wrote directly.
func (w *Writer) FinishLibxcBody(dst domain.IOnodeIface, length uint32) error {
	return w.writePadding(dst, length)
}

// WriteXenstoreData emits a complete XENSTORE_DATA record.
func (w *Writer) WriteXenstoreData(dst domain.IOnodeIface, rec domain.ToolstackRecord) error {
	return w.writeBytes(dst, wire.EncodeRecord(domain.RecXenstoreData, wire.EncodeToolstack(rec)))
}

// WriteEmulatorContext emits an EMULATOR_CONTEXT record by splicing
// snapshotLen bytes of an already-open device-model snapshot file behind
// the 8-byte emulator sub-header, tracking the trailing padding as a
// separate copier job (spec.md §4.7).
func (w *Writer) WriteEmulatorContext(dst domain.IOnodeIface, hdr domain.EmulatorHeader, snapshot domain.IOnodeIface, snapshotLen int64) error {
	total := uint32(8 + snapshotLen)
	if err := w.writeBytes(dst, wire.EncodeRecordHeader(domain.RecordHeader{Type: domain.RecEmulatorCtx, Length: total})); err != nil {
		return err
	}
	if err := w.writeBytes(dst, wire.EncodeEmulatorHeader(hdr)); err != nil {
		return err
	}
	if ev := <-w.copier.CopyStream(snapshot, dst, snapshotLen); ev.Err != nil {
		return ev.Err
	}
	return w.writePadding(dst, total)
}

// WriteCheckpointEnd emits a CHECKPOINT_END record, the marker that closes
// one checkpoint-inner sequence (spec.md §4.7).
func (w *Writer) WriteCheckpointEnd(dst domain.IOnodeIface) error {
	return w.writeBytes(dst, wire.EncodeRecord(domain.RecCheckpointEnd, nil))
}

// WriteColoContext emits a COLO_CONTEXT record carrying a single sub-id.
func (w *Writer) WriteColoContext(dst domain.IOnodeIface, sub domain.ColoSubID) error {
	return w.writeBytes(dst, wire.EncodeRecord(domain.RecColoContext, wire.EncodeColoContext(sub)))
}

// WriteEnd emits the terminal END record of a plain (non-checkpointed)
// stream.
func (w *Writer) WriteEnd(dst domain.IOnodeIface) error {
	return w.writeBytes(dst, wire.EncodeRecord(domain.RecEnd, nil))
}

func (w *Writer) writePadding(dst domain.IOnodeIface, length uint32) error {
	pad := wire.RecordPadding(length)
	if pad == 0 {
		return nil
	}
	return w.writeBytes(dst, make([]byte, pad))
}
