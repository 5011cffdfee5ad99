package stream

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/domain"
)

// writeFakeConverter creates an executable shell script standing in for
// the real legacy-converter binary: it ignores its argv and writes a
// fixed payload to stdout, just enough to exercise Spawn/Join's pipe and
// exec.Cmd plumbing without depending on a real converter being installed.
func writeFakeConverter(t *testing.T, payload string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fake-converter-*.sh")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	script := "#!/bin/sh\nprintf '" + payload + "'\n"
	require.NoError(t, os.WriteFile(f.Name(), []byte(script), 0755))
	require.NoError(t, os.Chmod(f.Name(), 0755))
	return f.Name()
}

func TestLegacyConverterSpawnAndJoin(t *testing.T) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	defer inW.Close()

	path := writeFakeConverter(t, "converted v2 stream bytes")
	c := NewLegacyConverter(path)

	rsess := &domain.RestoreSession{Domid: 1, HVM: false, Legacy: true, LegacyWidth: 64, FdIn: int(inR.Fd())}

	require.NoError(t, c.Spawn(rsess))
	require.NotZero(t, rsess.ConvertedFd)

	out := os.NewFile(uintptr(rsess.ConvertedFd), "converted")
	got, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.Equal(t, "converted v2 stream bytes", string(got))

	require.NoError(t, c.Join())
}
