package colo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmigrate/vmigrate/configstore"
	copierpkg "github.com/sysmigrate/vmigrate/copier"
	"github.com/sysmigrate/vmigrate/devices"
	"github.com/sysmigrate/vmigrate/dmsnapshot"
	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/logdirty"
	"github.com/sysmigrate/vmigrate/stream"
	"github.com/sysmigrate/vmigrate/suspend"
	"github.com/sysmigrate/vmigrate/sysio"
)

type fakeGuest struct{}

func (g *fakeGuest) NotifyEventChannel(domid uint32) error { return nil }
func (g *fakeGuest) ShutdownSuspend(domid uint32) error    { return nil }
func (g *fakeGuest) PollDomainInfo(domid uint32) (domain.DomainInfo, error) {
	return domain.DomainInfo{Exists: true, Shutdown: true, Reason: domain.ShutdownSuspend}, nil
}
func (g *fakeGuest) Resume(domid uint32, cancel bool) error { return nil }
func (g *fakeGuest) ShutdownEvents() <-chan uint32          { return nil }

type fakeEmulator struct {
	ioSvc domain.IOServiceIface
}

func (e *fakeEmulator) Stop(domid uint32) error { return nil }
func (e *fakeEmulator) Save(domid uint32, path string) error {
	f := e.ioSvc.NewIOnode(path, 0644)
	if err := f.Open(os.O_CREATE | os.O_WRONLY | os.O_TRUNC); err != nil {
		return err
	}
	defer f.Close()
	_, err := f.Write([]byte("dm-state"))
	return err
}
func (e *fakeEmulator) Resume(domid uint32) error                       { return nil }
func (e *fakeEmulator) RestoreFromFile(domid uint32, path string) error { return nil }
func (e *fakeEmulator) SetLogDirty(domid uint32, enable bool) error     { return nil }
func (e *fakeEmulator) IsTraditional(domid uint32) bool                 { return false }

type fakeToolstack struct{}

func (fakeToolstack) Save() (domain.ToolstackRecord, error) {
	return domain.ToolstackRecord{Version: domain.ToolstackVersion1}, nil
}
func (fakeToolstack) Restore(domain.ToolstackRecord) error { return nil }

type fakeDirtyLog struct{ pfns []uint64 }

func (d *fakeDirtyLog) ReadDirtyPFNs(domid uint32) ([]uint64, error) { return d.pfns, nil }
func (d *fakeDirtyLog) Close() error                                 { return nil }

type fakeProxy struct{ initCalls int }

func (p *fakeProxy) Init() (uint32, error) { p.initCalls++; return 1, nil }
func (p *fakeProxy) Checkpoint() error     { return nil }
func (p *fakeProxy) QueryCheckpoint() (bool, error) {
	return false, nil
}
func (p *fakeProxy) Failover() error { return nil }
func (p *fakeProxy) Close() error    { return nil }

func TestDirtyPFNListRoundTrip(t *testing.T) {
	ioSvc := sysio.NewIOService(domain.IOMemFileService)
	f := ioSvc.NewIOnode("/pfns", 0644)
	require.NoError(t, f.Open(os.O_CREATE|os.O_RDWR|os.O_TRUNC))

	want := []uint64{10, 20, 30}
	require.NoError(t, writeDirtyPFNList(f, want))

	require.NoError(t, f.Close())
	require.NoError(t, f.Open(os.O_RDONLY))
	got, err := readDirtyPFNList(f)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPrimaryRoundWritesExpectedRecords(t *testing.T) {
	ioSvc := sysio.NewIOService(domain.IOMemFileService)
	cp := copierpkg.New()
	store := configstore.New()

	sp := suspend.New(&fakeGuest{}, store)
	devContainer := devices.New()
	require.NoError(t, devContainer.Setup())
	dm := dmsnapshot.New(&fakeEmulator{ioSvc: ioSvc}, ioSvc, cp, store)
	w := stream.NewWriter(cp)

	p := NewPrimary(sp, devContainer, dm, w, fakeToolstack{})

	// Pre-seed the secondary-to-primary pipe with what the secondary would
	// have written: SVM_SUSPENDED marker + an empty dirty PFN list.
	src := ioSvc.NewIOnode("/s2p", 0644)
	require.NoError(t, src.Open(os.O_CREATE|os.O_RDWR|os.O_TRUNC))
	require.NoError(t, w.WriteColoContext(src, domain.ColoSvmSuspended))
	require.NoError(t, writeDirtyPFNList(src, nil))
	require.NoError(t, src.Close())
	require.NoError(t, src.Open(os.O_RDONLY))

	dst := ioSvc.NewIOnode("/p2s", 0644)
	require.NoError(t, dst.Open(os.O_CREATE|os.O_RDWR|os.O_TRUNC))

	sess := &domain.SaveSession{Domid: 4, HVM: true, DMSaveFile: "/dm-save"}
	require.NoError(t, p.Round(context.Background(), sess, src, dst))

	require.NoError(t, dst.Close())
	require.NoError(t, dst.Open(os.O_RDONLY))

	r := stream.NewReader(cp, stream.Handlers{
		XenstoreData:    func(domain.ToolstackRecord) error { return nil },
		EmulatorContext: func(domain.EmulatorHeader) (domain.IOnodeIface, error) { return discardSink{}, nil },
	})

	hdr, err := r.ReadNext(dst)
	require.NoError(t, err)
	assert.Equal(t, domain.RecXenstoreData, hdr.Type)

	hdr, err = r.ReadNext(dst)
	require.NoError(t, err)
	assert.Equal(t, domain.RecEmulatorCtx, hdr.Type)

	hdr, err = r.ReadNext(dst)
	require.NoError(t, err)
	assert.Equal(t, domain.RecColoContext, hdr.Type)
}

// discardSink is a minimal domain.IOnodeIface that discards writes, used
// where a test only cares that the emulator-context splice completes.
type discardSink struct{}

func (discardSink) Open(flags int) error      { return nil }
func (discardSink) Read(p []byte) (int, error) { return 0, nil }
func (discardSink) Write(p []byte) (int, error) {
	return len(p), nil
}
func (discardSink) Close() error { return nil }
func (discardSink) Stat() (os.FileInfo, error) {
	return nil, nil
}
func (discardSink) Remove() error { return nil }
func (discardSink) Path() string  { return "/dev/null" }

func TestSecondaryBootstrapAndRoundSequence(t *testing.T) {
	ioSvc := sysio.NewIOService(domain.IOMemFileService)
	cp := copierpkg.New()
	store := configstore.New()

	sp := suspend.New(&fakeGuest{}, store)
	devContainer := devices.New()
	w := stream.NewWriter(cp)
	ld := logdirty.New(store, &fakeEmulator{ioSvc: ioSvc})
	dl := &fakeDirtyLog{pfns: []uint64{7}}
	proxy := &fakeProxy{}

	s := NewSecondary(sp, devContainer, w, ld, dl, proxy)
	sess := &domain.SaveSession{Domid: 9}

	require.NoError(t, s.bootstrap(context.Background(), sess))
	assert.Equal(t, 1, proxy.initCalls)
	assert.True(t, s.bootstrapped)

	dst := ioSvc.NewIOnode("/p2s", 0644)
	require.NoError(t, dst.Open(os.O_CREATE|os.O_RDWR|os.O_TRUNC))

	require.NoError(t, s.resumeRound(context.Background(), sess, dst))

	// Domain 9 is PV with no hints, so suspend uses the control key; play the
	// guest and acknowledge the request by emptying the key.
	acks, stopAcks := store.Watch("/local/domain/9/control/shutdown")
	defer stopAcks()
	go func() {
		for ev := range acks {
			if ev.Value == "suspend" {
				_ = store.Set("/local/domain/9/control/shutdown", "")
				return
			}
		}
	}()

	require.NoError(t, s.suspendRound(context.Background(), sess, dst))

	require.NoError(t, dst.Close())
	require.NoError(t, dst.Open(os.O_RDONLY))

	require.NoError(t, readColoMarker(dst, domain.ColoSvmReady))
	require.NoError(t, readColoMarker(dst, domain.ColoSvmResumed))
	require.NoError(t, readColoMarker(dst, domain.ColoSvmSuspended))
	pfns, err := readDirtyPFNList(dst)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, pfns)
}
