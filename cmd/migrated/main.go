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

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/sysmigrate/vmigrate/colo"
	"github.com/sysmigrate/vmigrate/configstore"
	"github.com/sysmigrate/vmigrate/copier"
	"github.com/sysmigrate/vmigrate/devices"
	"github.com/sysmigrate/vmigrate/dmsnapshot"
	"github.com/sysmigrate/vmigrate/domain"
	"github.com/sysmigrate/vmigrate/logdirty"
	"github.com/sysmigrate/vmigrate/remus"
	"github.com/sysmigrate/vmigrate/savehelper"
	"github.com/sysmigrate/vmigrate/stream"
	"github.com/sysmigrate/vmigrate/suspend"
	"github.com/sysmigrate/vmigrate/sysio"
	"github.com/sysmigrate/vmigrate/xenctl"
)

const usage = `migrated host-side migration/checkpoint control plane

migrated drives one guest's save, restore, or fault-tolerance checkpoint
loop (remus or COLO) over a migration stream fd handed to it by the
toolstack. It does not itself talk to the hypervisor or the device model;
those are out-of-scope collaborators reached through the xenctl package.
`

var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

// fdIOnode adapts an already-open *os.File (typically a toolstack-supplied
// fd) to domain.IOnodeIface. Unlike sysio's path-backed nodes it is never
// opened or removed by this module; the toolstack owns its lifecycle up to
// the point it hands the fd over.
type fdIOnode struct {
	f    *os.File
	path string
}

func newFdIOnode(fd int, name string) *fdIOnode {
	return &fdIOnode{f: os.NewFile(uintptr(fd), name), path: name}
}

func (n *fdIOnode) Open(flags int) error        { return nil }
func (n *fdIOnode) Read(p []byte) (int, error)  { return n.f.Read(p) }
func (n *fdIOnode) Write(p []byte) (int, error) { return n.f.Write(p) }
func (n *fdIOnode) Close() error                { return n.f.Close() }
func (n *fdIOnode) Stat() (os.FileInfo, error)  { return n.f.Stat() }
func (n *fdIOnode) Remove() error               { return nil }
func (n *fdIOnode) Path() string                { return n.path }

func setupRunDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", dir, err)
	}
	return nil
}

func pidFilePath(runDir string) string { return runDir + "/migrated.pid" }

func checkPidFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	pid, err := strconv.Atoi(string(b))
	if err != nil {
		return nil
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if proc.Signal(syscall.Signal(0)) == nil {
			return fmt.Errorf("migrated already running with pid %d", pid)
		}
	}
	return nil
}

func createPidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func destroyPidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// exitHandler mirrors the teacher's cmd/sysbox-fs/main.go exit handler:
// stack-dump on abnormal signals, stop profiling, delete the pid file.
func exitHandler(signalChan chan os.Signal, cancel context.CancelFunc, pidFile string, prof interface{ Stop() }) {
	var printStack bool

	s := <-signalChan
	logrus.Warnf("migrated caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")
	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}
	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	cancel()

	if prof != nil {
		prof.Stop()
	}

	if err := destroyPidFile(pidFile); err != nil {
		logrus.Warnf("failed to destroy migrated pid file: %v", err)
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")
	if cpuProfOn && memProfOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !(cpuProfOn || memProfOn) {
		return nil, nil
	}

	if cpuProfOn {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if memProfOn {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

// services bundles the wiring every session role shares, built once in
// app.Action from the CLI flags.
type services struct {
	ioSvc    domain.IOServiceIface
	store    *configstore.Store
	cp       *copier.Copier
	guest    *xenctl.Guest
	emulator *xenctl.Emulator
	sp       *suspend.Protocol
	dm       *dmsnapshot.Snapshot
	ld       *logdirty.Switch
	w        *stream.Writer
	devs     *devices.Container
}

func newServices(ctx *cli.Context) *services {
	ioSvc := sysio.NewIOService(domain.IOOsFileService)
	store := configstore.New()
	cp := copier.New()
	guest := xenctl.NewGuest()
	emulator := &xenctl.Emulator{Traditional: ctx.Bool("dm-traditional")}

	return &services{
		ioSvc:    ioSvc,
		store:    store,
		cp:       cp,
		guest:    guest,
		emulator: emulator,
		sp:       suspend.New(guest, store),
		dm:       dmsnapshot.New(emulator, ioSvc, cp, store),
		ld:       logdirty.New(store, emulator),
		w:        stream.NewWriter(cp),
		devs:     devices.New(xenctl_deviceSet(ctx)...),
	}
}

// xenctl_deviceSet builds the checkpoint-device set a session harnesses,
// per SPEC_FULL.md §4's colo_qdisk supplement: a NopDevice per enabled
// kind stands in for "no concrete plugin configured" (the spec.md §9
// open question's resolution) until a real VBD/VIF/colo-qdisk backend is
// wired in.
func xenctl_deviceSet(ctx *cli.Context) []domain.CheckpointDevice {
	devs := []domain.CheckpointDevice{domain.NopDevice{DeviceKind: domain.DeviceVBD}}
	if ctx.Bool("hvm") {
		devs = append(devs, domain.NopDevice{DeviceKind: domain.DeviceVIF})
	}
	if ctx.String("role") == "colo-primary" || ctx.String("role") == "colo-secondary" {
		devs = append(devs, domain.NopDevice{DeviceKind: domain.DeviceVBDColoQdisk})
	}
	return devs
}

func sessionFromFlags(ctx *cli.Context) *domain.SaveSession {
	return &domain.SaveSession{
		Domid:      uint32(ctx.Int("domid")),
		HVM:        ctx.Bool("hvm"),
		FdOut:      ctx.Int("fd-out"),
		FdIn:       ctx.Int("fd-in"),
		IntervalMS: ctx.Int("interval-ms"),
		Flags: domain.SaveFlags{
			Live:         ctx.Bool("live"),
			Debug:        ctx.Bool("debug"),
			Checkpointed: ctx.String("role") != "save",
			Compress:     ctx.Bool("compress"),
		},
		DMSaveFile: ctx.String("dm-save-file"),
	}
}

// runSave drives a single non-checkpointed save: stream header, the save
// helper's LIBXC_CONTEXT body written directly onto dst, a toolstack-save
// XENSTORE_DATA record, device-model snapshot on HVM guests, and the
// terminal END record (spec.md §4.7's plain sequence).
func runSave(ctx *cli.Context, svc *services) error {
	sess := sessionFromFlags(ctx)
	dst := newFdIOnode(sess.FdOut, "migration-out")
	ts := storeToolstack{store: svc.store}

	state, err := svc.sp.Suspend(context.Background(), sess)
	if err != nil {
		return err
	}
	if err := svc.w.WriteHeader(dst, 0); err != nil {
		return err
	}

	// The LIBXC_CONTEXT record's declared length is a placeholder
	// (spec.md §4.7 scenario 1's record{type=1,len=0}): the helper writes
	// its body directly onto dst.f, handed over at fd 3, bypassing this
	// writer entirely.
	if err := svc.w.WriteLibxcHeader(dst, 0); err != nil {
		return err
	}

	helperArgs := []string{"--domid", strconv.Itoa(int(sess.Domid))}
	bridge := savehelper.New("/usr/lib/xen/bin/save-helper", helperArgs...)
	bridge.Setup(map[domain.HelperCallbackKind]func() (domain.HelperCallbackStatus, error){
		domain.CallbackToolstackSave: func() (domain.HelperCallbackStatus, error) {
			rec, err := ts.Save()
			if err != nil {
				return domain.HelperFailedRecoverable, err
			}
			if err := svc.w.WriteXenstoreData(dst, rec); err != nil {
				return domain.HelperFailedRecoverable, err
			}
			return domain.HelperOK, nil
		},
	})
	if err := bridge.Start(dst.f); err != nil {
		return err
	}
	if _, err := bridge.Wait(); err != nil {
		return err
	}
	if err := svc.w.FinishLibxcBody(dst, 0); err != nil {
		return err
	}

	if state == domain.SuspendSnapshotDM {
		if err := svc.dm.Save(context.Background(), sess, svc.w, dst); err != nil {
			return err
		}
	}
	if err := svc.w.WriteEnd(dst); err != nil {
		return err
	}
	return svc.sp.Resume(context.Background(), sess, false)
}

// runRestore drives a single restore, spawning the legacy converter first
// when the toolstack flagged the incoming stream as legacy (spec.md §4.8).
// An EMULATOR_CONTEXT record's body is spliced into the host's
// qemu-resume.<domid> file and handed to the device model's restore-from-
// file RPC once the record is fully read (spec.md §4.5 restore).
func runRestore(ctx *cli.Context, svc *services) error {
	rsess := &domain.RestoreSession{
		Domid:       uint32(ctx.Int("domid")),
		HVM:         ctx.Bool("hvm"),
		FdIn:        ctx.Int("fd-in"),
		Legacy:      ctx.Bool("legacy"),
		LegacyWidth: ctx.Int("legacy-width"),
		RunDir:      ctx.String("run-dir"),
	}

	srcFd := rsess.FdIn
	if rsess.Legacy {
		conv := stream.NewLegacyConverter(ctx.String("legacy-converter"))
		if err := conv.Spawn(rsess); err != nil {
			return err
		}
		defer conv.Join()
		srcFd = rsess.ConvertedFd
	}
	src := newFdIOnode(srcFd, "migration-in")

	ts := storeToolstack{store: svc.store}
	var dmFile domain.IOnodeIface
	r := stream.NewReader(svc.cp, stream.Handlers{
		XenstoreData: ts.Restore,
		EmulatorContext: func(h domain.EmulatorHeader) (domain.IOnodeIface, error) {
			f, err := svc.dm.OpenRestoreFile(rsess)
			dmFile = f
			return f, err
		},
	})

	if _, err := r.ReadHeader(src); err != nil {
		return err
	}
	for {
		hdr, err := r.ReadNext(src)
		if err != nil {
			return err
		}
		if hdr.Type == domain.RecEmulatorCtx {
			if err := svc.dm.FinishRestore(rsess, dmFile); err != nil {
				return err
			}
		}
		if hdr.Type == domain.RecEnd {
			return nil
		}
	}
}

func runRemus(ctx *cli.Context, svc *services) error {
	sess := sessionFromFlags(ctx)
	dst := newFdIOnode(sess.FdOut, "migration-out")

	e := remus.New(svc.sp, svc.devs, svc.dm, svc.w)
	if err := e.Setup(); err != nil {
		return err
	}
	if err := svc.w.WriteHeader(dst, 0); err != nil {
		return err
	}

	ctxBg, cancel := context.WithCancel(context.Background())
	defer cancel()

	return e.Run(ctxBg, sess, dst, time.Duration(sess.IntervalMS)*time.Millisecond, func() error {
		return svc.w.WriteCheckpointEnd(dst)
	})
}

func dialColoProxy(addr string) (*colo.Proxy, error) {
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return nil, domain.WrapError(domain.PeerGone, "dial colo-proxy control channel", err)
	}
	return colo.NewProxy(conn), nil
}

func runColoPrimary(ctx *cli.Context, svc *services) error {
	sess := sessionFromFlags(ctx)
	src := newFdIOnode(sess.FdIn, "colo-secondary-in")
	dst := newFdIOnode(sess.FdOut, "colo-secondary-out")

	p := colo.NewPrimary(svc.sp, svc.devs, svc.dm, svc.w, storeToolstack{store: svc.store})
	if err := p.Setup(); err != nil {
		return err
	}
	return p.Run(context.Background(), sess, src, dst)
}

func runColoSecondary(ctx *cli.Context, svc *services) error {
	sess := sessionFromFlags(ctx)
	src := newFdIOnode(sess.FdIn, "colo-primary-in")
	dst := newFdIOnode(sess.FdOut, "colo-primary-out")

	proxy, err := dialColoProxy(ctx.String("colo-proxy-addr"))
	if err != nil {
		return err
	}
	defer proxy.Close()

	dirtylog := xenctl.DirtyLog{}
	s := colo.NewSecondary(svc.sp, svc.devs, svc.w, svc.ld, dirtylog, proxy)
	return s.Run(context.Background(), sess, src, dst)
}

// storeToolstack is the CLI's domain.ToolstackIface: it marshals the
// config store's physmap into the XENSTORE_DATA record on save, and
// applies a received one back into the store on restore. It backs both
// the save-helper's toolstack-save callback and the colo primary's
// per-round toolstack state.
type storeToolstack struct {
	store *configstore.Store
}

func (t storeToolstack) Save() (domain.ToolstackRecord, error) {
	return domain.ToolstackRecord{Version: domain.ToolstackVersion1, Entries: t.store.Physmap()}, nil
}

func (t storeToolstack) Restore(rec domain.ToolstackRecord) error {
	t.store.SetPhysmap(rec.Entries)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "migrated"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "role", Usage: "session role: save, restore, remus, colo-primary, colo-secondary"},
		cli.IntFlag{Name: "domid", Usage: "guest domain id"},
		cli.BoolFlag{Name: "hvm", Usage: "guest is HVM rather than PV"},
		cli.BoolFlag{Name: "live", Usage: "live migration: guest keeps running during memory copy"},
		cli.BoolFlag{Name: "debug", Usage: "debug migration: keep guest paused on completion"},
		cli.BoolFlag{Name: "compress", Usage: "record the compress flag in the session flags (no compression is applied by this program)"},
		cli.IntFlag{Name: "fd-in", Value: 0, Usage: "migration stream input fd"},
		cli.IntFlag{Name: "fd-out", Value: 1, Usage: "migration stream output fd"},
		cli.IntFlag{Name: "interval-ms", Value: 100, Usage: "checkpoint interval for remus/colo roles"},
		cli.BoolFlag{Name: "legacy", Usage: "restore: incoming stream is the legacy on-disk format"},
		cli.IntFlag{Name: "legacy-width", Value: 64, Usage: "restore: legacy format word width (32 or 64)"},
		cli.StringFlag{Name: "legacy-converter", Value: "/usr/lib/xen/bin/legacy-convert", Usage: "restore: legacy converter binary path"},
		cli.BoolFlag{Name: "dm-traditional", Usage: "device model is the traditional qemu, not upstream"},
		cli.StringFlag{Name: "dm-save-file", Value: "/var/lib/xen/dm-save", Usage: "device-model snapshot-to-file path"},
		cli.StringFlag{Name: "colo-proxy-addr", Value: "/var/run/xen/colo-proxy.sock", Usage: "colo-proxy control channel address"},
		cli.StringFlag{Name: "run-dir", Value: "/run/vmigrate", Usage: "run-dir for the pid file and scratch files"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file path or empty string for stderr output"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "log categories to include (debug, info, warning, error, fatal)"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "log format; must be json or text"},
		cli.BoolFlag{Name: "cpu-profiling", Usage: "enable cpu-profiling data collection", Hidden: true},
		cli.BoolFlag{Name: "memory-profiling", Usage: "enable memory-profiling data collection", Hidden: true},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("migrated\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		rand.Seed(time.Now().UnixNano())

		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("Error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch logLevel := ctx.GlobalString("log-level"); logLevel {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option '%v' not recognized. Exiting ...", logLevel)
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("Initiating migrated ...")

		runDir := ctx.String("run-dir")
		if err := setupRunDir(runDir); err != nil {
			return fmt.Errorf("failed to setup the migrated run dir: %v", err)
		}
		pidFile := pidFilePath(runDir)
		if err := checkPidFile(pidFile); err != nil {
			return err
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			logrus.Fatal(err)
		}

		_, cancel := context.WithCancel(context.Background())
		exitChan := make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
		go exitHandler(exitChan, cancel, pidFile, prof)

		systemd.SdNotify(false, systemd.SdNotifyReady)
		if err := createPidFile(pidFile); err != nil {
			return fmt.Errorf("failed to create migrated pid file: %s", err)
		}
		logrus.Info("Ready ...")

		role := ctx.String("role")
		svc := newServices(ctx)

		var runErr error
		switch role {
		case "save":
			runErr = runSave(ctx, svc)
		case "restore":
			runErr = runRestore(ctx, svc)
		case "remus":
			runErr = runRemus(ctx, svc)
		case "colo-primary":
			runErr = runColoPrimary(ctx, svc)
		case "colo-secondary":
			runErr = runColoSecondary(ctx, svc)
		default:
			runErr = fmt.Errorf("unrecognized --role %q", role)
		}

		if err := destroyPidFile(pidFile); err != nil {
			logrus.Warnf("failed to destroy migrated pid file: %v", err)
		}
		if runErr != nil {
			logrus.Errorf("migrated: session failed: %v", runErr)
			return runErr
		}
		logrus.Info("Done.")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
