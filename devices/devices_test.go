package devices

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

type fakeDevice struct {
	kind       domain.DeviceKind
	matches    bool
	setupErr   error
	teardowns  int
	postsusp   int
	preresume  int
	commits    int
	mu         sync.Mutex
}

func (d *fakeDevice) Kind() domain.DeviceKind { return d.kind }

func (d *fakeDevice) Setup() (bool, error) {
	if d.setupErr != nil {
		return false, d.setupErr
	}
	return d.matches, nil
}

func (d *fakeDevice) Teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns++
	return nil
}

func (d *fakeDevice) PostSuspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postsusp++
	return nil
}

func (d *fakeDevice) PreResume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preresume++
	return nil
}

func (d *fakeDevice) Commit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits++
	return nil
}

func TestSetupMatchedDevicesRunAllPhases(t *testing.T) {
	vbd := &fakeDevice{kind: domain.DeviceVBD, matches: true}
	vif := &fakeDevice{kind: domain.DeviceVIF, matches: true}
	unmatched := &fakeDevice{kind: domain.DeviceVBDColoQdisk, matches: false}

	c := New(vbd, vif, unmatched)
	require.NoError(t, c.Setup())

	require.NoError(t, c.PostSuspend())
	require.NoError(t, c.PreResume())
	require.NoError(t, c.Commit())
	require.NoError(t, c.Teardown())

	assert.Equal(t, 1, vbd.postsusp)
	assert.Equal(t, 1, vbd.preresume)
	assert.Equal(t, 1, vbd.commits)
	assert.Equal(t, 1, vbd.teardowns)

	assert.Equal(t, 1, vif.teardowns)

	// unmatched device never ran any later phase, including teardown.
	assert.Equal(t, 0, unmatched.postsusp)
	assert.Equal(t, 0, unmatched.teardowns)
}

func TestSetupFailureTearsDownAlreadyMatchedDevices(t *testing.T) {
	ok := &fakeDevice{kind: domain.DeviceVBD, matches: true}
	failing := &fakeDevice{kind: domain.DeviceVIF, setupErr: assert.AnError}

	c := New(ok, failing)
	err := c.Setup()
	require.Error(t, err)
	assert.Equal(t, domain.DeviceMismatch, domain.KindOf(err))

	assert.Equal(t, 1, ok.teardowns)
}

func TestTeardownIsExactlyOncePerMatchedDevice(t *testing.T) {
	d := &fakeDevice{kind: domain.DeviceVBD, matches: true}
	c := New(d)
	require.NoError(t, c.Setup())
	require.NoError(t, c.Teardown())
	assert.Equal(t, 1, d.teardowns)

	// A second Teardown call (e.g. session-end after an earlier error-path
	// teardown) must not re-run it, since the matched set was cleared.
	require.NoError(t, c.Teardown())
	assert.Equal(t, 1, d.teardowns)
}
