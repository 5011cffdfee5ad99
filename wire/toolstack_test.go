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

func TestToolstackRoundTrip(t *testing.T) {
	rec := domain.ToolstackRecord{
		Version: domain.ToolstackVersion1,
		Entries: []domain.PhysmapEntry{
			{PhysOffset: 0x1000, StartAddr: 0x2000, Size: 0x3000, Name: "ram"},
			{PhysOffset: 0, StartAddr: 0, Size: 0, Name: ""},
		},
	}

	got, err := DecodeToolstack(EncodeToolstack(rec))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestToolstackEmpty(t *testing.T) {
	rec := domain.ToolstackRecord{Version: domain.ToolstackVersion1}
	got, err := DecodeToolstack(EncodeToolstack(rec))
	require.NoError(t, err)
	assert.Equal(t, domain.ToolstackVersion1, got.Version)
	assert.Empty(t, got.Entries)
}

func TestEmulatorHeaderRoundTrip(t *testing.T) {
	h := domain.EmulatorHeader{ID: domain.EmulatorUpstream, Index: 3}
	got, err := DecodeEmulatorHeader(EncodeEmulatorHeader(h))
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestColoContextRoundTrip(t *testing.T) {
	got, err := DecodeColoContext(EncodeColoContext(domain.ColoSvmSuspended))
	require.NoError(t, err)
	assert.Equal(t, domain.ColoSvmSuspended, got)
}
