package logdirty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/configstore"
	"github.com/sysmigrate/vmigrate/domain"
)

type fakeEmulator struct {
	mu          sync.Mutex
	traditional bool
	logDirty    map[uint32]bool
	failNext    bool
}

func (e *fakeEmulator) Stop(uint32) error                      { return nil }
func (e *fakeEmulator) Save(uint32, string) error               { return nil }
func (e *fakeEmulator) Resume(uint32) error                     { return nil }
func (e *fakeEmulator) RestoreFromFile(uint32, string) error     { return nil }
func (e *fakeEmulator) IsTraditional(uint32) bool                { return e.traditional }

func (e *fakeEmulator) SetLogDirty(domid uint32, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext {
		e.failNext = false
		return assertErr
	}
	if e.logDirty == nil {
		e.logDirty = make(map[uint32]bool)
	}
	e.logDirty[domid] = enable
	return nil
}

var assertErr = domain.NewError(domain.Failed, "simulated emulator failure")

func TestUpstreamPathCallsRPCDirectly(t *testing.T) {
	store := configstore.New()
	em := &fakeEmulator{traditional: false}
	sw := New(store, em)

	require.NoError(t, sw.Enable(context.Background(), 4))
	em.mu.Lock()
	assert.True(t, em.logDirty[4])
	em.mu.Unlock()
}

func TestTraditionalPathCompletesOnMatchingReply(t *testing.T) {
	store := configstore.New()
	em := &fakeEmulator{traditional: true}
	sw := New(store, em)

	go func() {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, store.Set(retPath(2), cmdEnable))
	}()

	require.NoError(t, sw.Enable(context.Background(), 2))
	v, ok := store.Get(cmdPath(2))
	require.True(t, ok)
	assert.Equal(t, "", v, "command key must be cleared on success")
}

func TestTraditionalPathFailsOnStaleCommand(t *testing.T) {
	store := configstore.New()
	em := &fakeEmulator{traditional: true}
	sw := New(store, em)

	require.NoError(t, store.Set(cmdPath(6), cmdDisable))

	err := sw.Enable(context.Background(), 6)
	require.Error(t, err)
	assert.Equal(t, domain.Failed, domain.KindOf(err))
}

func TestTraditionalPathTimesOut(t *testing.T) {
	store := configstore.New()
	em := &fakeEmulator{traditional: true}
	sw := New(store, em)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sw.Enable(ctx, 8)
	require.Error(t, err)
	assert.Equal(t, domain.TimedOut, domain.KindOf(err))
}

func TestEnableWithRecoveryRetriesDisableThenEnable(t *testing.T) {
	store := configstore.New()
	em := &fakeEmulator{traditional: false, failNext: true}
	sw := New(store, em)

	require.NoError(t, sw.EnableWithRecovery(context.Background(), 3))
	em.mu.Lock()
	assert.True(t, em.logDirty[3])
	em.mu.Unlock()
}
