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

// Package wire implements the migration stream's framing codec: the fixed
// stream header, record headers, and the padding rules between them
// (spec.md §3, §4.1). It is pure -- no I/O, no state -- so every other
// package drives actual bytes through sysio/copier and calls into wire
// only to encode/decode.
package wire

import (
	"encoding/binary"

	"github.com/sysmigrate/vmigrate/domain"
)

// HeaderSize is the on-wire size of a StreamHeader: 8 bytes magic + 4
// bytes version + 4 bytes options, padded to 24 bytes total as spec.md §3
// specifies.
const HeaderSize = 24

// RecordHeaderSize is the on-wire size of a RecordHeader.
const RecordHeaderSize = 8

// EncodeHeader serializes a StreamHeader to its 24-byte big-endian wire
// form.
func EncodeHeader(h domain.StreamHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Magic)
	binary.BigEndian.PutUint32(buf[8:12], h.Version)
	binary.BigEndian.PutUint32(buf[12:16], h.Options)
	// bytes 16:24 are reserved padding, always zero on encode.
	return buf
}

// DecodeHeader parses a 24-byte stream header and validates it against
// spec.md §3's invariants: exact magic, version == 2, and the
// big-endian-payload bit must be clear.
func DecodeHeader(buf []byte) (domain.StreamHeader, error) {
	var h domain.StreamHeader
	if len(buf) < HeaderSize {
		return h, domain.NewError(domain.Invalid, "short stream header")
	}

	h.Magic = binary.BigEndian.Uint64(buf[0:8])
	h.Version = binary.BigEndian.Uint32(buf[8:12])
	h.Options = binary.BigEndian.Uint32(buf[12:16])

	if h.Magic != domain.StreamMagic {
		return h, domain.NewError(domain.Invalid, "invalid stream magic")
	}
	if h.Version != domain.StreamVersion {
		return h, domain.NewError(domain.Invalid, "unsupported stream version")
	}
	if h.BigEndianPayload() {
		return h, domain.NewError(domain.Invalid, "unsupported payload endianness")
	}

	return h, nil
}

// RecordPadding returns the number of zero padding bytes following a
// record payload of the given length, so that header+payload+padding is a
// multiple of 8 bytes (spec.md §3).
func RecordPadding(length uint32) uint32 {
	return (8 - (length % 8)) % 8
}

// EncodeRecordHeader serializes a RecordHeader to its 8-byte wire form.
func EncodeRecordHeader(h domain.RecordHeader) []byte {
	buf := make([]byte, RecordHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// DecodeRecordHeader parses an 8-byte record header.
func DecodeRecordHeader(buf []byte) (domain.RecordHeader, error) {
	var h domain.RecordHeader
	if len(buf) < RecordHeaderSize {
		return h, domain.NewError(domain.Invalid, "short record header")
	}
	h.Type = domain.RecordType(binary.BigEndian.Uint32(buf[0:4]))
	h.Length = binary.BigEndian.Uint32(buf[4:8])
	return h, nil
}

// EncodeRecord serializes a complete record: header, payload, and zero
// padding up to the next 8-byte boundary.
func EncodeRecord(typ domain.RecordType, payload []byte) []byte {
	length := uint32(len(payload))
	pad := RecordPadding(length)

	out := make([]byte, 0, RecordHeaderSize+len(payload)+int(pad))
	out = append(out, EncodeRecordHeader(domain.RecordHeader{Type: typ, Length: length})...)
	out = append(out, payload...)
	out = append(out, make([]byte, pad)...)
	return out
}
