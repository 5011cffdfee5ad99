package savehelper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

// helperScript behaves like a minimal save-helper: it issues one
// "suspend" callback request, waits for the ack, then emits a termination
// message and exits.
const helperScript = `
printf '{"termination":false,"kind":0}\n'
read -r _
printf '{"termination":true,"rc":0,"retval":0,"errno":0}\n'
`

func TestBridgeDispatchesCallbackAndReportsTermination(t *testing.T) {
	b := New("/bin/sh", "-c", helperScript)

	called := make(chan struct{}, 1)
	b.Setup(map[domain.HelperCallbackKind]func() (domain.HelperCallbackStatus, error){
		domain.CallbackSuspend: func() (domain.HelperCallbackStatus, error) {
			called <- struct{}{}
			return domain.HelperOK, nil
		},
	})

	require.NoError(t, b.Start())

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for suspend callback dispatch")
	}

	ev, err := b.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, ev.RC)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := New("/bin/sh", "-c", "sleep 5")
	b.Setup(nil)
	require.NoError(t, b.Start())

	b.Cancel(nil)
	b.Cancel(nil) // must not panic or block

	select {
	case <-b.term:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for termination event after cancel")
	}
}
