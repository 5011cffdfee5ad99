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

package wire

import (
	"encoding/binary"

	"github.com/sysmigrate/vmigrate/domain"
)

// EncodeToolstack serializes a ToolstackRecord body: u32 version, u32
// count, then count naturally-aligned physmap entries (spec.md §3). The
// entries themselves are not padded; only the enclosing record is.
func EncodeToolstack(rec domain.ToolstackRecord) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], rec.Version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(rec.Entries)))

	for _, e := range rec.Entries {
		entry := make([]byte, 8+8+8+4+len(e.Name))
		binary.BigEndian.PutUint64(entry[0:8], e.PhysOffset)
		binary.BigEndian.PutUint64(entry[8:16], e.StartAddr)
		binary.BigEndian.PutUint64(entry[16:24], e.Size)
		binary.BigEndian.PutUint32(entry[24:28], uint32(len(e.Name)))
		copy(entry[28:], e.Name)
		buf = append(buf, entry...)
	}

	return buf
}

// DecodeToolstack parses an XENSTORE_DATA body back into a
// ToolstackRecord.
func DecodeToolstack(buf []byte) (domain.ToolstackRecord, error) {
	var rec domain.ToolstackRecord
	if len(buf) < 8 {
		return rec, domain.NewError(domain.Invalid, "short toolstack record")
	}

	rec.Version = binary.BigEndian.Uint32(buf[0:4])
	count := binary.BigEndian.Uint32(buf[4:8])
	off := 8

	rec.Entries = make([]domain.PhysmapEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+28 > len(buf) {
			return rec, domain.NewError(domain.Invalid, "truncated physmap entry header")
		}
		var e domain.PhysmapEntry
		e.PhysOffset = binary.BigEndian.Uint64(buf[off : off+8])
		e.StartAddr = binary.BigEndian.Uint64(buf[off+8 : off+16])
		e.Size = binary.BigEndian.Uint64(buf[off+16 : off+24])
		namelen := binary.BigEndian.Uint32(buf[off+24 : off+28])
		off += 28

		if namelen > 0 {
			if off+int(namelen) > len(buf) {
				return rec, domain.NewError(domain.Invalid, "truncated physmap entry name")
			}
			e.Name = string(buf[off : off+int(namelen)])
			off += int(namelen)
		}

		rec.Entries = append(rec.Entries, e)
	}

	return rec, nil
}

// EncodeEmulatorHeader serializes the 8-byte {id, index} sub-header at the
// front of an EMULATOR_CONTEXT record's payload.
func EncodeEmulatorHeader(h domain.EmulatorHeader) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.ID))
	binary.BigEndian.PutUint32(buf[4:8], h.Index)
	return buf
}

// DecodeEmulatorHeader parses the 8-byte emulator sub-header.
func DecodeEmulatorHeader(buf []byte) (domain.EmulatorHeader, error) {
	var h domain.EmulatorHeader
	if len(buf) < 8 {
		return h, domain.NewError(domain.Invalid, "short emulator header")
	}
	h.ID = domain.EmulatorID(binary.BigEndian.Uint32(buf[0:4]))
	h.Index = binary.BigEndian.Uint32(buf[4:8])
	return h, nil
}

// EncodeColoContext serializes a COLO_CONTEXT record body: a single u32
// sub-id.
func EncodeColoContext(sub domain.ColoSubID) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(sub))
	return buf
}

// DecodeColoContext parses a COLO_CONTEXT record body.
func DecodeColoContext(buf []byte) (domain.ColoSubID, error) {
	if len(buf) < 4 {
		return 0, domain.NewError(domain.Invalid, "short colo context record")
	}
	return domain.ColoSubID(binary.BigEndian.Uint32(buf)), nil
}
