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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := domain.StreamHeader{
		Magic:   domain.StreamMagic,
		Version: domain.StreamVersion,
		Options: domain.OptLegacyConverted,
	}

	got, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	h := domain.StreamHeader{Magic: 0xdeadbeef, Version: domain.StreamVersion}
	_, err := DecodeHeader(EncodeHeader(h))
	require.Error(t, err)
	assert.Equal(t, domain.Invalid, domain.KindOf(err))
}

func TestHeaderRejectsBadVersion(t *testing.T) {
	h := domain.StreamHeader{Magic: domain.StreamMagic, Version: 99}
	_, err := DecodeHeader(EncodeHeader(h))
	require.Error(t, err)
	assert.Equal(t, domain.Invalid, domain.KindOf(err))
}

func TestHeaderRejectsBigEndianPayload(t *testing.T) {
	h := domain.StreamHeader{
		Magic:   domain.StreamMagic,
		Version: domain.StreamVersion,
		Options: domain.OptBigEndianPayload,
	}
	_, err := DecodeHeader(EncodeHeader(h))
	require.Error(t, err)
	assert.Equal(t, domain.Invalid, domain.KindOf(err))
}

func TestRecordPadding(t *testing.T) {
	cases := map[uint32]uint32{
		0:  0,
		1:  7,
		7:  1,
		8:  0,
		9:  7,
		16: 0,
	}
	for n, want := range cases {
		assert.Equalf(t, want, RecordPadding(n), "n=%d", n)
	}
}

func TestEncodeRecordConsumesExactBytes(t *testing.T) {
	for n := 0; n < 20; n++ {
		payload := make([]byte, n)
		buf := EncodeRecord(domain.RecLibxcContext, payload)
		want := RecordHeaderSize + n + int(RecordPadding(uint32(n)))
		assert.Equalf(t, want, len(buf), "n=%d", n)
		assert.Equal(t, 0, len(buf)%8)
	}
}

func TestDecodeRecordHeaderRoundTrip(t *testing.T) {
	rh := domain.RecordHeader{Type: domain.RecEmulatorCtx, Length: 42}
	got, err := DecodeRecordHeader(EncodeRecordHeader(rh))
	require.NoError(t, err)
	assert.Equal(t, rh, got)
}
