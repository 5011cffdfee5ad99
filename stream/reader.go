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

package stream

import (
	"io"

	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/wire"
)

// Handlers are the caller-supplied bodies invoked as the reader dispatches
// each record type (spec.md §4.8). Any field may be nil if that record
// type is never expected on a given stream (e.g. a PV guest never sees
// EmulatorContext).
type Handlers struct {
	XenstoreData    func(domain.ToolstackRecord) error
	EmulatorContext func(domain.EmulatorHeader) (domain.IOnodeIface, error)
	CheckpointEnd   func() error
	ColoContext     func(domain.ColoSubID) error
}

// Reader consumes records from a migration stream, dispatching each record
// type to its handler with a switch in ReadNext, since records are a small,
// closed set.
type Reader struct {
	copier   domain.CopierIface
	handlers Handlers
}

// NewReader constructs a Reader over the given copier and handler set.
func NewReader(copier domain.CopierIface, handlers Handlers) *Reader {
	return &Reader{copier: copier, handlers: handlers}
}

// ReadHeader validates and returns the stream header opening src.
func (r *Reader) ReadHeader(src domain.IOnodeIface) (domain.StreamHeader, error) {
	buf := make([]byte, wire.HeaderSize)
	if err := readFull(src, buf); err != nil {
		return domain.StreamHeader{}, domain.WrapError(domain.PeerGone, "read stream header", err)
	}
	return wire.DecodeHeader(buf)
}

// ReadNext consumes one record from src and returns its type.
//
// For every type except LIBXC_CONTEXT, ReadNext fully consumes the record
// (payload, handler dispatch, and padding) before returning. LIBXC_CONTEXT
// is special: the save helper reads the body directly off src itself
// (spec.md §4.8), so ReadNext returns immediately after the header and the
// caller must call FinishDeferredRecord(src, length) once the helper is
// done, before calling ReadNext again.
func (r *Reader) ReadNext(src domain.IOnodeIface) (domain.RecordHeader, error) {
	buf := make([]byte, wire.RecordHeaderSize)
	if err := readFull(src, buf); err != nil {
		return domain.RecordHeader{}, domain.WrapError(domain.PeerGone, "read record header", err)
	}
	hdr, err := wire.DecodeRecordHeader(buf)
	if err != nil {
		return hdr, err
	}

	switch hdr.Type {
	case domain.RecEnd:
		return hdr, nil

	case domain.RecLibxcContext:
		return hdr, nil

	case domain.RecXenstoreData:
		if err := r.dispatchXenstoreData(src, hdr.Length); err != nil {
			return hdr, err
		}
	case domain.RecEmulatorCtx:
		if err := r.dispatchEmulatorContext(src, hdr.Length); err != nil {
			return hdr, err
		}
	case domain.RecCheckpointEnd:
		if r.handlers.CheckpointEnd != nil {
			if err := r.handlers.CheckpointEnd(); err != nil {
				return hdr, err
			}
		}
	case domain.RecColoContext:
		if err := r.dispatchColoContext(src, hdr.Length); err != nil {
			return hdr, err
		}
	default:
		return hdr, domain.NewError(domain.Invalid, "unexpected record type on stream")
	}

	if err := r.FinishDeferredRecord(src, hdr.Length); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// FinishDeferredRecord skips the zero padding following a record whose
// body ReadNext did not consume itself (currently only LIBXC_CONTEXT).
func (r *Reader) FinishDeferredRecord(src domain.IOnodeIface, length uint32) error {
	pad := wire.RecordPadding(length)
	if pad == 0 {
		return nil
	}
	buf := make([]byte, pad)
	if err := readFull(src, buf); err != nil {
		return domain.WrapError(domain.PeerGone, "read record padding", err)
	}
	return nil
}

func (r *Reader) dispatchXenstoreData(src domain.IOnodeIface, length uint32) error {
	buf := make([]byte, length)
	if err := readFull(src, buf); err != nil {
		return domain.WrapError(domain.PeerGone, "read xenstore data body", err)
	}
	rec, err := wire.DecodeToolstack(buf)
	if err != nil {
		return err
	}
	if r.handlers.XenstoreData != nil {
		return r.handlers.XenstoreData(rec)
	}
	return nil
}

func (r *Reader) dispatchEmulatorContext(src domain.IOnodeIface, length uint32) error {
	if length < 8 {
		return domain.NewError(domain.Invalid, "short emulator context record")
	}
	ehdrBuf := make([]byte, 8)
	if err := readFull(src, ehdrBuf); err != nil {
		return domain.WrapError(domain.PeerGone, "read emulator sub-header", err)
	}
	ehdr, err := wire.DecodeEmulatorHeader(ehdrBuf)
	if err != nil {
		return err
	}

	bodyLen := int64(length - 8)
	if r.handlers.EmulatorContext == nil {
		return drain(src, bodyLen)
	}

	dst, err := r.handlers.EmulatorContext(ehdr)
	if err != nil {
		return err
	}
	if ev := <-r.copier.CopyStream(src, dst, bodyLen); ev.Err != nil {
		return ev.Err
	}
	return nil
}

func (r *Reader) dispatchColoContext(src domain.IOnodeIface, length uint32) error {
	buf := make([]byte, length)
	if err := readFull(src, buf); err != nil {
		return domain.WrapError(domain.PeerGone, "read colo context body", err)
	}
	sub, err := wire.DecodeColoContext(buf)
	if err != nil {
		return err
	}
	if r.handlers.ColoContext != nil {
		return r.handlers.ColoContext(sub)
	}
	return nil
}

func readFull(src domain.IOnodeIface, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := src.Read(buf[total:])
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func drain(src domain.IOnodeIface, n int64) error {
	buf := make([]byte, n)
	return readFull(src, buf)
}
