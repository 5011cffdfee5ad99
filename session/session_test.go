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

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

func TestCreateAndDestroySave(t *testing.T) {
	r := New()
	sess := &domain.SaveSession{Domid: 42}
	require.NoError(t, r.CreateSave(sess))

	got, ok := r.Save(42)
	require.True(t, ok)
	assert.Same(t, sess, got)

	err := r.CreateSave(&domain.SaveSession{Domid: 42})
	require.Error(t, err)
	assert.Equal(t, domain.Failed, domain.KindOf(err))

	r.DestroySave(42)
	_, ok = r.Save(42)
	assert.False(t, ok)
}

func TestJoinerReportsFirstErrorOnly(t *testing.T) {
	j := NewJoiner(3)

	go j.Report(nil)
	go j.Report(domain.NewError(domain.PeerGone, "first"))
	go j.Report(domain.NewError(domain.Failed, "second"))

	err := j.Wait()
	require.Error(t, err)
	// one of the two errors wins; which one is a race, but Wait must
	// return exactly once all three reports landed.
	assert.Contains(t, []domain.ErrorKind{domain.PeerGone, domain.Failed}, domain.KindOf(err))
}

func TestJoinerSucceedsWhenNoErrors(t *testing.T) {
	j := NewJoiner(2)
	j.Report(nil)
	j.Report(nil)
	assert.NoError(t, j.Wait())
}
