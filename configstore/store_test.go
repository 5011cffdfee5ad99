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

package configstore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

func TestGetSetRoundTrip(t *testing.T) {
	s := New()
	_, ok := s.Get("/local/domain/0/control/shutdown")
	assert.False(t, ok)

	require.NoError(t, s.Set("/local/domain/0/control/shutdown", "suspend"))
	v, ok := s.Get("/local/domain/0/control/shutdown")
	require.True(t, ok)
	assert.Equal(t, "suspend", v)
}

func TestWatchReceivesCommittedWrites(t *testing.T) {
	s := New()
	ch, cancel := s.Watch("/k")
	defer cancel()

	require.NoError(t, s.Set("/k", "v1"))

	select {
	case ev := <-ch:
		assert.True(t, ev.Ok)
		assert.Equal(t, "v1", ev.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("/k", "0"))

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = s.Transaction(func(txn domain.Txn) error {
				v, _ := txn.Get("/k")
				// force interleaving by re-reading after a committed write
				// from the other goroutine sneaks in between Get and Set.
				time.Sleep(time.Millisecond)
				txn.Set("/k", v+"x")
				return nil
			})
		}()
	}
	wg.Wait()

	v, ok := s.Get("/k")
	require.True(t, ok)
	assert.Len(t, v, len("0")+2, "both transactions must have applied exactly once")
}

func TestPhysmapAndHints(t *testing.T) {
	s := New()
	entries := []domain.PhysmapEntry{{PhysOffset: 1, StartAddr: 2, Size: 3, Name: "ram"}}
	s.SetPhysmap(entries)
	assert.Equal(t, entries, s.Physmap())

	hints := domain.GuestHints{EventChannelInitialized: true}
	s.SetHints(7, hints)
	assert.Equal(t, hints, s.Hints(7))
}
