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

package colo

import (
	"encoding/binary"
	"io"

	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/wire"
)

// readColoMarker consumes one COLO_CONTEXT record from src and verifies
// its sub-id matches want (spec.md §4.11's SVM_* markers). Unlike the
// other record types, the COLO engines know exactly which marker to
// expect next, so they read it directly rather than going through the
// stream package's generic dispatch table.
func readColoMarker(src domain.IOnodeIface, want domain.ColoSubID) error {
	hdrBuf := make([]byte, wire.RecordHeaderSize)
	if err := readFull(src, hdrBuf); err != nil {
		return domain.WrapError(domain.PeerGone, "read colo marker header", err)
	}
	hdr, err := wire.DecodeRecordHeader(hdrBuf)
	if err != nil {
		return err
	}
	if hdr.Type != domain.RecColoContext {
		return domain.NewError(domain.Invalid, "expected COLO_CONTEXT record")
	}

	body := make([]byte, hdr.Length)
	if err := readFull(src, body); err != nil {
		return domain.WrapError(domain.PeerGone, "read colo marker body", err)
	}
	sub, err := wire.DecodeColoContext(body)
	if err != nil {
		return err
	}
	if sub != want {
		return domain.NewError(domain.Invalid, "unexpected colo marker: got "+sub.String()+", want "+want.String())
	}

	if pad := wire.RecordPadding(hdr.Length); pad > 0 {
		if err := readFull(src, make([]byte, pad)); err != nil {
			return domain.WrapError(domain.PeerGone, "read colo marker padding", err)
		}
	}
	return nil
}

// readDirtyPFNList reads the raw (non-record-framed) u64 count followed
// by count u64 PFNs that spec.md §4.11 layers directly on the stream
// after an SVM_SUSPENDED marker.
func readDirtyPFNList(src domain.IOnodeIface) ([]uint64, error) {
	countBuf := make([]byte, 8)
	if err := readFull(src, countBuf); err != nil {
		return nil, domain.WrapError(domain.PeerGone, "read dirty pfn count", err)
	}
	count := binary.BigEndian.Uint64(countBuf)

	pfns := make([]uint64, count)
	if count == 0 {
		return pfns, nil
	}
	buf := make([]byte, 8*count)
	if err := readFull(src, buf); err != nil {
		return nil, domain.WrapError(domain.PeerGone, "read dirty pfn list", err)
	}
	for i := range pfns {
		pfns[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
	}
	return pfns, nil
}

// writeDirtyPFNList is the mirrored encoder of readDirtyPFNList.
func writeDirtyPFNList(dst domain.IOnodeIface, pfns []uint64) error {
	buf := make([]byte, 8+8*len(pfns))
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(pfns)))
	for i, pfn := range pfns {
		binary.BigEndian.PutUint64(buf[8+i*8:16+i*8], pfn)
	}
	_, err := dst.Write(buf)
	if err != nil {
		return domain.WrapError(domain.PeerGone, "write dirty pfn list", err)
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
