package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/udiald/udiald/internal/discovery"
	"github.com/udiald/udiald/internal/errs"
	"github.com/udiald/udiald/internal/linkproc"
	"github.com/udiald/udiald/internal/modetag"
	"github.com/udiald/udiald/internal/profile"
	"github.com/udiald/udiald/internal/uciconf"
)

// fakeControlPort is a real os.Pipe-backed control line, the same
// substitute-the-hardware-facing-interface pattern atio_test.go and
// ttyio's reader tests use, so Run exercises a genuine poll/read path.
type fakeControlPort struct {
	r, w    *os.File
	written []string
}

func newFakeControlPort(t *testing.T) *fakeControlPort {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	p := &fakeControlPort{r: r, w: w}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return p
}

func (p *fakeControlPort) Fd() int { return int(p.r.Fd()) }
func (p *fakeControlPort) Write(cmd string) error {
	p.written = append(p.written, cmd)
	return nil
}
func (p *fakeControlPort) FlushInput() error { return nil }
func (p *fakeControlPort) Close() error      { return nil }

// fakeEnumerator returns a fixed candidate list.
type fakeEnumerator struct{ cands []discovery.Candidate }

func (f fakeEnumerator) Enumerate() ([]discovery.Candidate, error) { return f.cands, nil }

// fakePlane is a SignalSource + planeController whose Signaled() answer
// flips to true once its call count passes a threshold, so tests can
// script exactly when a "real" SIGINT/SIGTERM/SIGHUP would have landed
// without sending an actual signal.
type fakePlane struct {
	calls     int
	trueAfter int
}

func (p *fakePlane) InstallSafeCleanup(func() error) {}
func (p *fakePlane) InstallCatchHandler()            {}
func (p *fakePlane) Signaled() bool {
	p.calls++
	return p.calls > p.trueAfter
}

// nopRWC is an always-empty io.ReadWriteCloser, standing in for the link
// daemon's stdout pipe when a test doesn't care about log draining.
type nopRWC struct{}

func (nopRWC) Read([]byte) (int, error)  { return 0, io.EOF }
func (nopRWC) Write(p []byte) (int, error) { return len(p), nil }
func (nopRWC) Close() error              { return nil }

func testDeps(t *testing.T, enum discovery.Enumerator, reg *profile.Registry, plane *fakePlane) (Deps, *uciconf.Store) {
	t.Helper()
	store := uciconf.Open(t.TempDir())
	return Deps{
		Store:    store,
		Registry: reg,
		Enum:     enum,
		Plane:    plane,
		SelfExe:  "/usr/sbin/udiald",
		Logf:     func(string, ...interface{}) {},
	}, store
}

func testRegistry(commands map[modetag.Tag]string) *profile.Registry {
	return profile.NewRegistry([]profile.Profile{{
		Name:     "test-profile",
		Vendor:   0x12d1,
		Device:   0x1001,
		CtlIdx:   0,
		DatIdx:   1,
		Commands: commands,
	}})
}

func testCandidate() discovery.Candidate {
	return discovery.Candidate{
		Vendor:    0x12d1,
		Device:    0x1001,
		Driver:    "option",
		DeviceID:  "1-1",
		Endpoints: []string{"ctl-endpoint", "dat-endpoint"},
	}
}

// spawnLongLivedChild starts a real process that outlives the test unless
// signaled, so TerminateAndReap's SIGTERM path is genuinely exercised.
func spawnLongLivedChild(t *testing.T) *os.Process {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn long-lived child: %v", err)
	}
	return cmd.Process
}

// spawnExitingChild starts a real process that exits immediately with code.
func spawnExitingChild(t *testing.T, code int) *os.Process {
	t.Helper()
	cmd := exec.Command("sh", "-c", "exit "+itoa(code))
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn exiting child: %v", err)
	}
	// Give the shell a moment to actually exit before the first poll.
	time.Sleep(50 * time.Millisecond)
	return cmd.Process
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func newTestSession(cfg Config, deps Deps) *Session {
	s := New(cfg, deps)
	return s
}

func TestRunConnectHappyPathEndsSignaled(t *testing.T) {
	plane := &fakePlane{trueAfter: 1}
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, store := testDeps(t, enum, reg, plane)
	store.Set(configPkg, "wan", "udiald_mode", "auto")

	cfg := DefaultConfig()
	cfg.Mode = ModeConnect
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" + // ATE0
			"Huawei\r\nE220\r\nOK\r\n" + // identify
			"+CPIN: READY\r\nOK\r\n" + // check-SIM
			"+GCAP: +CGSM,+FCLASS\r\nOK\r\n" + // capabilities
			"OK\r\n" + // set-mode
			"OK\r\n" + // AT+COPS=3,0
			`+COPS: 0,0,"TestCarrier",2` + "\r\n+CSQ: 20,99\r\nOK\r\n" + // one supervise iteration
			"OK\r\n", // ATH;&F
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	child := spawnLongLivedChild(t)
	s.SetLaunchLinkChildFunc(func(*discovery.Handle) (*os.Process, *linkproc.LogReader, error) {
		return child, linkproc.NewLogReader(nopRWC{}), nil
	})

	err := s.Run()
	if err == nil {
		t.Fatal("Run() = nil, want a SIGNALED error on graceful shutdown")
	}
	if errs.KindOf(err) != errs.Signaled {
		t.Fatalf("Run() kind = %v, want Signaled", errs.KindOf(err))
	}

	if v, _ := store.Get(configPkg, "wan", "modem_name"); v != "Huawei E220" {
		t.Errorf("modem_name = %q", v)
	}
	if v, _ := store.Get(configPkg, "wan", "sim_state"); v != "ready" {
		t.Errorf("sim_state = %q", v)
	}
	if v, _ := store.Get(configPkg, "wan", "modem_gsm"); v != "1" {
		t.Errorf("modem_gsm = %q", v)
	}
	if v, _ := store.Get(configPkg, "wan", "provider"); v != "TestCarrier" {
		t.Errorf("provider = %q", v)
	}
	if v, _ := store.Get(configPkg, "wan", "rssi"); v != "20" {
		t.Errorf("rssi = %q", v)
	}
	if v, _ := store.Get(configPkg, "wan", "connected"); v != "1" {
		t.Errorf("connected = %q", v)
	}
}

func TestRunWrongPINRefusesRetryWithoutTouchingWire(t *testing.T) {
	plane := &fakePlane{trueAfter: 100}
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, store := testDeps(t, enum, reg, plane)
	store.Set(configPkg, "wan", "udiald_pin", "1234")
	store.Set(configPkg, "wan", "failed_pin", "1234")

	cfg := DefaultConfig()
	cfg.Mode = ModeConnect
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" + // ATE0
			"Huawei\r\nE220\r\nOK\r\n" + // identify
			"+CPIN: SIM PIN\r\nOK\r\n", // check-SIM
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	err := s.Run()
	if err == nil {
		t.Fatal("Run() = nil, want an UNLOCK error")
	}
	if errs.KindOf(err) != errs.Unlock {
		t.Fatalf("Run() kind = %v, want Unlock", errs.KindOf(err))
	}
	for _, cmd := range port.written {
		if len(cmd) >= 8 && cmd[:8] == "AT+CPIN=" {
			t.Fatalf("wrote %q to the wire, want the refused PIN never sent", cmd)
		}
	}
	if v, _ := store.Get(configPkg, "wan", "udiald_error_code"); v == "" {
		t.Error("udiald_error_code not recorded")
	}
}

func TestRunPUKResetSucceeds(t *testing.T) {
	plane := &fakePlane{trueAfter: 100}
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, _ := testDeps(t, enum, reg, plane)

	cfg := DefaultConfig()
	cfg.Mode = ModeUnlockPUK
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}
	cfg.PUK = "12345678"
	cfg.NewPIN = "4321"

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" + // ATE0
			"Huawei\r\nE220\r\nOK\r\n" + // identify
			"+CPIN: SIM PUK\r\nOK\r\n" + // check-SIM
			"OK\r\n", // PUK unlock
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	if err := s.Run(); err != nil {
		t.Fatalf("Run() err = %v, want nil", err)
	}

	found := false
	for _, cmd := range port.written {
		if cmd == `AT+CPIN="12345678","4321"`+"\r" {
			found = true
		}
	}
	if !found {
		t.Fatalf("written commands = %v, want the combined PUK/new-PIN unlock", port.written)
	}
}

func TestRunLinkDaemonExitMapsToAuth(t *testing.T) {
	plane := &fakePlane{trueAfter: 100} // never reports a real signal
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, _ := testDeps(t, enum, reg, plane)

	cfg := DefaultConfig()
	cfg.Mode = ModeConnect
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" +
			"Huawei\r\nE220\r\nOK\r\n" +
			"+CPIN: READY\r\nOK\r\n" +
			"+GCAP: +CGSM\r\nOK\r\n" +
			"OK\r\n" + // set-mode
			"OK\r\n" + // AT+COPS=3,0
			"OK\r\n", // ATH;&F (the supervise loop should never reach AT+COPS?;+CSQ)
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	child := spawnExitingChild(t, 19)
	s.SetLaunchLinkChildFunc(func(*discovery.Handle) (*os.Process, *linkproc.LogReader, error) {
		return child, linkproc.NewLogReader(nopRWC{}), nil
	})

	err := s.Run()
	if err == nil {
		t.Fatal("Run() = nil, want an AUTH error")
	}
	if errs.KindOf(err) != errs.Auth {
		t.Fatalf("Run() kind = %v, want Auth", errs.KindOf(err))
	}
}

func TestRunLinkDaemonExitOverriddenBySignaledFlag(t *testing.T) {
	plane := &fakePlane{trueAfter: -1} // signaled from the very first check
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, _ := testDeps(t, enum, reg, plane)

	cfg := DefaultConfig()
	cfg.Mode = ModeConnect
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" +
			"Huawei\r\nE220\r\nOK\r\n" +
			"+CPIN: READY\r\nOK\r\n" +
			"+GCAP: +CGSM\r\nOK\r\n" +
			"OK\r\n" + // set-mode
			"OK\r\n" + // AT+COPS=3,0
			"OK\r\n", // ATH;&F
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	child := spawnExitingChild(t, 19)
	s.SetLaunchLinkChildFunc(func(*discovery.Handle) (*os.Process, *linkproc.LogReader, error) {
		return child, linkproc.NewLogReader(nopRWC{}), nil
	})

	err := s.Run()
	if err == nil {
		t.Fatal("Run() = nil, want a SIGNALED error")
	}
	if errs.KindOf(err) != errs.Signaled {
		t.Fatalf("Run() kind = %v, want Signaled even though the child exited 19", errs.KindOf(err))
	}
}

func TestRunProbeModeDowngradesFailuresAndSendsDocumentedQueries(t *testing.T) {
	plane := &fakePlane{trueAfter: 100}
	reg := testRegistry(map[modetag.Tag]string{modetag.Auto: "AT^TESTMODE"})
	enum := fakeEnumerator{cands: []discovery.Candidate{testCandidate()}}
	deps, store := testDeps(t, enum, reg, plane)

	var logs []string
	deps.Logf = func(format string, args ...interface{}) {
		logs = append(logs, fmt.Sprintf(format, args...))
	}

	cfg := DefaultConfig()
	cfg.Mode = ModeProbe
	cfg.NetworkName = "wan"
	cfg.Filter = discovery.FilterSpec{RequireProfile: true}

	port := newFakeControlPort(t)
	port.w.Write([]byte(
		"OK\r\n" + // ATE0
			"OK\r\n" + // identify (AT+CGMI;+CGMM): only one line, fewer than the three required
			"+CPIN: READY\r\nOK\r\n" + // check-SIM
			"+GCAP: +CGSM\r\nOK\r\n" + // capabilities
			"865001\r\nOK\r\n" + // AT+CGSN (probe-only)
			`+COPS: (1,"TestCarrier",,1)` + "\r\nOK\r\n", // AT+COPS=? (probe-only)
	))

	s := newTestSession(cfg, deps)
	s.SetOpenControlFunc(func(string) (controlPort, error) { return port, nil })

	if err := s.Run(); err != nil {
		t.Fatalf("Run() in ModeProbe err = %v, want nil (identify failure must downgrade to a log line)", err)
	}

	if v, _ := store.Get(configPkg, "wan", "modem_name"); v != "" {
		t.Errorf("modem_name = %q, want unset since identify failed", v)
	}
	if v, _ := store.Get(configPkg, "wan", "sim_state"); v != "ready" {
		t.Errorf("sim_state = %q, want ready", v)
	}

	foundDowngrade := false
	for _, l := range logs {
		if strings.HasPrefix(l, "probe: ") && strings.Contains(l, "too few lines") {
			foundDowngrade = true
		}
	}
	if !foundDowngrade {
		t.Errorf("logs = %v, want a probe: log line for the downgraded identify failure", logs)
	}

	wantCmds := []string{"AT+CGSN\r", "AT+COPS=?\r"}
	for _, want := range wantCmds {
		found := false
		for _, cmd := range port.written {
			if cmd == want {
				found = true
			}
		}
		if !found {
			t.Errorf("written commands = %v, want %q (the documented probe-only query)", port.written, want)
		}
	}
}

func TestDoLaunchLinkChildProbesDataTTYBeforeWritingConfig(t *testing.T) {
	plane := &fakePlane{trueAfter: 100}
	reg := testRegistry(nil)
	deps, _ := testDeps(t, fakeEnumerator{}, reg, plane)

	cfg := DefaultConfig()
	cfg.ConfigFileDir = t.TempDir()
	cfg.LinkDaemonPath = "/bin/echo" // a real, harmless binary so Launch succeeds past the probe
	s := newTestSession(cfg, deps)

	var probed string
	s.SetProbeDataTTYFunc(func(path string) error {
		probed = path
		return nil
	})

	handle := &discovery.Handle{DataTTY: "/dev/ttyUSB9", ControlTTY: "/dev/ttyUSB8"}
	if _, _, err := s.doLaunchLinkChild(handle); err != nil {
		t.Fatalf("doLaunchLinkChild() err = %v", err)
	}
	if probed != "/dev/ttyUSB9" {
		t.Fatalf("probed data tty = %q, want /dev/ttyUSB9", probed)
	}
}

func TestDoLaunchLinkChildFailsDialWhenDataTTYProbeFails(t *testing.T) {
	plane := &fakePlane{trueAfter: 100}
	reg := testRegistry(nil)
	deps, _ := testDeps(t, fakeEnumerator{}, reg, plane)

	cfg := DefaultConfig()
	cfg.ConfigFileDir = t.TempDir()
	s := newTestSession(cfg, deps)

	s.SetProbeDataTTYFunc(func(path string) error {
		return fmt.Errorf("device not present")
	})

	handle := &discovery.Handle{DataTTY: "/dev/ttyUSB9", ControlTTY: "/dev/ttyUSB8"}
	if _, _, err := s.doLaunchLinkChild(handle); err == nil {
		t.Fatal("doLaunchLinkChild() = nil err, want the data tty probe failure to abort the dial phase")
	}
}

func TestRunDialModeIsANoOp(t *testing.T) {
	plane := &fakePlane{trueAfter: 0}
	deps, _ := testDeps(t, fakeEnumerator{}, testRegistry(nil), plane)
	cfg := DefaultConfig()
	cfg.Mode = ModeDial

	s := newTestSession(cfg, deps)
	if err := s.Run(); err != nil {
		t.Fatalf("Run() in ModeDial err = %v, want nil", err)
	}
}
