// Package session implements the core state machine: select a modem, drive
// it through identify/SIM/unlock/capability/mode phases, then supervise a
// link-daemon child until signaled, writing status into the external
// config store throughout.
//
// Grounded on vmodem.go's processAtCommand/setStatus transition discipline
// (explicit phase functions, a closed result-code taxonomy) adapted from a
// panic-on-invalid-transition development style to an error-return style,
// since a modem client degrades to an exit code rather than panicking.
package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/udiald/udiald/internal/atio"
	"github.com/udiald/udiald/internal/discovery"
	"github.com/udiald/udiald/internal/errs"
	"github.com/udiald/udiald/internal/linkproc"
	"github.com/udiald/udiald/internal/modetag"
	"github.com/udiald/udiald/internal/profile"
	"github.com/udiald/udiald/internal/ttyio"
	"github.com/udiald/udiald/internal/uciconf"
)

// configPkg is the uciconf "package" this module's keys live under; the
// section within it is the network name.
const configPkg = "network"

// Mode is the application mode selected on the command line.
type Mode int

const (
	ModeConnect Mode = iota
	ModeScan
	ModeProbe
	ModeUnlockPIN
	ModeUnlockPUK
	ModeDial
	ModeListDevices
	ModeListProfiles
)

// SimState is the SIM's unlock state as reported by AT+CPIN?.
type SimState int

const (
	SimReady SimState = iota
	SimWantsPIN
	SimWantsPUK
	SimError
)

func (s SimState) storeValue() string {
	switch s {
	case SimReady:
		return "ready"
	case SimWantsPIN:
		return "wantpin"
	case SimWantsPUK:
		return "wantpuk"
	default:
		return "error"
	}
}

// Config is the run's static configuration: CLI-derived selections plus the
// external collaborators the session drives.
type Config struct {
	Mode        Mode
	NetworkName string
	Filter      discovery.FilterSpec

	PINOverride string // --pin
	PUK         string // unlock-puk argv[0]
	NewPIN      string // unlock-puk argv[1]

	RefuseIfFailedPIN bool // -t

	LinkDaemonPath string
	ConfigFileDir  string // directory link-daemon config files are written under

	CommandTimeout    time.Duration // default per-AT-transaction timeout
	SuperviseInterval time.Duration // default 15s
}

// DefaultConfig returns a Config with the spec's documented defaults filled
// in; callers still need to set Mode, NetworkName and Filter.
func DefaultConfig() Config {
	return Config{
		NetworkName:       "wan",
		CommandTimeout:    5 * time.Second,
		SuperviseInterval: 15 * time.Second,
		ConfigFileDir:     "/var/run",
		LinkDaemonPath:    "/usr/sbin/pppd",
	}
}

// runConfig is the bundle of config-store-derived tunables read once per
// run (PIN, mode, user/pass, mtu, pppdopt list, the forwarded link-daemon
// ints, ifname), analogous to the teacher's Options struct but sourced from
// the config store instead of CLI flags.
type runConfig struct {
	pin       string
	mode      modetag.Tag
	user      string
	pass      string
	mtu       int
	pppdopt   []string
	ifname    string
	defRoute  int
	replDef   int
	usePeer   int
	persist   int
	unit      int
	maxFail   int
	holdoff   int
	noRemote  int
}

func loadRunConfig(store *uciconf.Store, network string) runConfig {
	rc := runConfig{}
	rc.pin, _ = store.Get(configPkg, network, "udiald_pin")
	modeName, ok := store.Get(configPkg, network, "udiald_mode")
	if !ok || modeName == "" {
		modeName = "auto"
	}
	rc.mode = modetag.Parse(modeName)
	rc.user, _ = store.Get(configPkg, network, "udiald_user")
	rc.pass, _ = store.Get(configPkg, network, "udiald_pass")
	rc.mtu = store.GetIntDefault(configPkg, network, "udiald_mtu", -1)
	rc.pppdopt = store.GetList(configPkg, network, "udiald_pppdopt")
	rc.ifname, _ = store.Get(configPkg, network, "ifname")
	rc.defRoute = store.GetIntDefault(configPkg, network, "defaultroute", 1)
	rc.replDef = store.GetIntDefault(configPkg, network, "replacedefaultroute", 0)
	rc.usePeer = store.GetIntDefault(configPkg, network, "usepeerdns", 1)
	rc.persist = store.GetIntDefault(configPkg, network, "persist", 1)
	rc.unit = store.GetIntDefault(configPkg, network, "unit", -1)
	rc.maxFail = store.GetIntDefault(configPkg, network, "maxfail", 1)
	rc.holdoff = store.GetIntDefault(configPkg, network, "holdoff", 0)
	rc.noRemote = store.GetIntDefault(configPkg, network, "noremoteip", 1)
	return rc
}

// SignalSource is the subset of *sigplane.Plane the supervise loop polls.
type SignalSource interface {
	Signaled() bool
}

// Session is the runtime state machine. Construct with New; Run drives it
// through the full state diagram for cfg.Mode.
type Session struct {
	cfg      Config
	store    *uciconf.Store
	registry *profile.Registry
	enum     discovery.Enumerator
	plane    SignalSource
	planeCtl planeController

	handle *discovery.Handle
	port   controlPort
	tr     *atio.Transactor

	simState SimState
	isGSM    bool
	rc       runConfig

	logf    func(string, ...interface{})
	sleepFn func(time.Duration)

	selfExe        string // resolved connect re-invocation target, normally os.Executable()
	openControlFn  func(path string) (controlPort, error)
	probeDataTTYFn func(path string) error
	launchFn       func(handle *discovery.Handle) (*os.Process, *linkproc.LogReader, error)
}

// controlPort is the subset of ttyio.Port Session needs, so tests can
// substitute a fake control line without a real serial device.
type controlPort interface {
	atio.Port
	Close() error
}

// planeController is the subset of *sigplane.Plane used to install handlers
// around the control fd and the link child.
type planeController interface {
	InstallSafeCleanup(closeFd func() error)
	InstallCatchHandler()
}

// Deps bundles Session's external collaborators.
type Deps struct {
	Store    *uciconf.Store
	Registry *profile.Registry
	Enum     discovery.Enumerator
	Plane    interface {
		SignalSource
		planeController
	}
	SelfExe string
	Logf    func(string, ...interface{})
}

// New constructs a Session. If deps.Logf is nil, log lines are discarded.
func New(cfg Config, deps Deps) *Session {
	logf := deps.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	s := &Session{
		cfg:            cfg,
		store:          deps.Store,
		registry:       deps.Registry,
		enum:           deps.Enum,
		plane:          deps.Plane,
		planeCtl:       deps.Plane,
		logf:           logf,
		sleepFn:        time.Sleep,
		selfExe:        deps.SelfExe,
		openControlFn:  defaultOpenControl,
		probeDataTTYFn: defaultProbeDataTTY,
	}
	s.launchFn = s.doLaunchLinkChild
	return s
}

// SetLaunchLinkChildFunc overrides how Run launches the link daemon; used
// by tests to substitute a stub child process for the real daemon binary.
func (s *Session) SetLaunchLinkChildFunc(f func(handle *discovery.Handle) (*os.Process, *linkproc.LogReader, error)) {
	s.launchFn = f
}

func defaultOpenControl(path string) (controlPort, error) {
	return ttyio.OpenControl(path)
}

// SetOpenControlFunc overrides how Run opens the control TTY; used by tests
// to substitute a fake line for a real serial device.
func (s *Session) SetOpenControlFunc(f func(path string) (controlPort, error)) {
	s.openControlFn = f
}

func (s *Session) openControl(path string) (controlPort, error) {
	return s.openControlFn(path)
}

// defaultProbeDataTTY opens and immediately closes the data TTY through
// go.bug.st/serial with the link daemon's expected framing, as a sanity
// check that the device node is present and configurable before the link
// daemon is launched against it (the daemon itself reopens the device; this
// module never holds the data fd across the dial phase).
func defaultProbeDataTTY(path string) error {
	p, err := ttyio.OpenData(path, ttyio.DefaultDataPortConfig())
	if err != nil {
		return err
	}
	return p.Close()
}

// SetProbeDataTTYFunc overrides how the dial phase sanity-probes the data
// TTY before launching the link daemon; used by tests to avoid touching a
// real serial device.
func (s *Session) SetProbeDataTTYFunc(f func(path string) error) {
	s.probeDataTTYFn = f
}

func boolStoreValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// fail records a terminal error into the config store and returns it
// unchanged (after a signaled-flag override), per §7's propagation policy.
func (s *Session) fail(err error) error {
	if err == nil {
		return nil
	}
	if s.plane != nil && s.plane.Signaled() {
		err = errs.AsSignaled(err)
	}
	kind := errs.KindOf(err)
	if s.store != nil {
		s.store.Set(configPkg, s.cfg.NetworkName, "udiald_error_code", strconv.Itoa(kind.ExitCode()))
		s.store.Set(configPkg, s.cfg.NetworkName, "udiald_error_msg", err.Error())
		if s.cfg.Mode == ModeConnect {
			s.store.Set(configPkg, s.cfg.NetworkName, "udiald_state", "error")
		}
	}
	return err
}

// success marks a clean run.
func (s *Session) success() error {
	if s.store != nil {
		s.store.Set(configPkg, s.cfg.NetworkName, "udiald_state", "init")
	}
	return nil
}

// probeDowngrade reports whether err should be downgraded to a log line
// instead of propagated, per §4.5's probe-mode detail: any AT failure in
// --probe is diagnostic, not fatal. It logs and returns true when so.
func (s *Session) probeDowngrade(err error) bool {
	if s.cfg.Mode != ModeProbe || err == nil {
		return false
	}
	s.logf("probe: %v", err)
	return true
}

// Run drives the session through the full state diagram for s.cfg.Mode.
func (s *Session) Run() error {
	if s.cfg.Mode == ModeDial {
		// Internal re-invocation from the link daemon's connect script: the
		// control-line mode-set already configured the device for data mode,
		// this process has nothing further to do before pppd talks PPP
		// directly over the data TTY (this system does not implement that
		// protocol, per the Non-goals).
		return nil
	}

	handle, err := discovery.Select(s.enum, s.registry, s.cfg.Filter)
	if err != nil {
		return s.fail(errs.Wrap(errs.NoModem, err))
	}
	s.handle = handle

	port, err := s.openControl(handle.ControlTTY)
	if err != nil {
		return s.fail(errs.Wrap(errs.NoModem, err))
	}
	s.port = port
	s.tr = atio.New(port, s.cfg.CommandTimeout)

	if s.planeCtl != nil {
		s.planeCtl.InstallSafeCleanup(port.Close)
	}
	defer port.Close()

	s.rc = loadRunConfig(s.store, s.cfg.NetworkName)

	if s.cfg.RefuseIfFailedPIN {
		if failed, ok := s.store.Get(configPkg, s.cfg.NetworkName, "failed_pin"); ok && failed != "" {
			return s.fail(errs.New(errs.Unlock, "refusing to connect: previous run failed unlock (-t)"))
		}
	}

	if err := s.reset(); err != nil {
		return s.fail(err)
	}

	name, err := s.identify()
	if err != nil {
		if !s.probeDowngrade(err) {
			return s.fail(err)
		}
	} else {
		s.store.Set(configPkg, s.cfg.NetworkName, "modem_name", name)
		s.store.Set(configPkg, s.cfg.NetworkName, "modem_driver", handle.Driver)
		s.store.Set(configPkg, s.cfg.NetworkName, "modem_id", handle.DeviceID)
	}

	if err := s.checkSIM(); err != nil {
		if !s.probeDowngrade(err) {
			return s.fail(err)
		}
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "sim_state", s.simState.storeValue())

	switch s.simState {
	case SimWantsPIN:
		pin := s.cfg.PINOverride
		if pin == "" {
			pin = s.rc.pin
		}
		if err := s.enterPIN(pin); err != nil {
			if !s.probeDowngrade(err) {
				return s.fail(err)
			}
		} else {
			s.simState = SimReady
			s.store.Set(configPkg, s.cfg.NetworkName, "sim_state", s.simState.storeValue())
		}
	case SimWantsPUK:
		if s.cfg.Mode == ModeUnlockPUK {
			if err := s.enterPUK(s.cfg.PUK, s.cfg.NewPIN); err != nil {
				return s.fail(err)
			}
			s.store.Set(configPkg, s.cfg.NetworkName, "sim_state", s.simState.storeValue())
		} else if !s.probeDowngrade(errs.New(errs.SIM, "SIM requires PUK unlock")) {
			return s.fail(errs.New(errs.SIM, "SIM requires PUK unlock"))
		}
	case SimError:
		if s.cfg.Mode != ModeProbe {
			return s.fail(errs.New(errs.SIM, "SIM in error state"))
		}
	}

	switch s.cfg.Mode {
	case ModeScan, ModeUnlockPIN, ModeUnlockPUK:
		return s.success()
	}

	if err := s.capabilities(); err != nil {
		if !s.probeDowngrade(err) {
			return s.fail(err)
		}
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "modem_gsm", boolStoreValue(s.isGSM))

	if s.cfg.Mode == ModeProbe {
		s.runProbeQueries()
		return s.success()
	}

	if s.isGSM {
		if err := s.setMode(s.rc.mode); err != nil {
			return s.fail(err)
		}
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "modem_mode", s.rc.mode.String())

	proc, childLog, err := s.launchFn(handle)
	if err != nil {
		return s.fail(errs.Wrap(errs.Dial, err))
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "pid", strconv.Itoa(proc.Pid))
	s.store.Set(configPkg, s.cfg.NetworkName, "udiald_state", "dial")

	if s.planeCtl != nil {
		s.planeCtl.InstallCatchHandler()
	}
	exited, err := s.supervise(proc, s.plane, childLog)
	if err != nil {
		return s.fail(err)
	}

	kind, termErr := s.terminate(proc, exited)
	if termErr != nil {
		return s.fail(errs.Wrap(errs.Internal, termErr))
	}
	if s.plane != nil && s.plane.Signaled() {
		kind = errs.Signaled
	}
	if kind != errs.OK && kind != errs.Signaled {
		return s.fail(errs.New(kind, "link daemon exited abnormally"))
	}
	if kind == errs.Signaled {
		return s.fail(errs.AsSignaled(nil))
	}
	return s.success()
}

func (s *Session) doLaunchLinkChild(handle *discovery.Handle) (*os.Process, *linkproc.LogReader, error) {
	if s.probeDataTTYFn != nil {
		if err := s.probeDataTTYFn(handle.DataTTY); err != nil {
			return nil, nil, fmt.Errorf("probe data tty %s: %w", handle.DataTTY, err)
		}
	}
	selfExe := s.selfExe
	if selfExe == "" {
		var err error
		selfExe, err = os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve self-exe: %w", err)
		}
	}
	cfg := linkproc.Config{
		NetworkName:    s.cfg.NetworkName,
		DataTTY:        handle.DataTTY,
		BaudRate:       460800,
		IfName:         s.rc.ifname,
		SelfExe:        selfExe,
		User:           s.rc.user,
		Pass:           s.rc.pass,
		MTU:            s.rc.mtu,
		PPPDOpt:        s.rc.pppdopt,
		DefaultRoute:   s.rc.defRoute,
		ReplaceDefault: s.rc.replDef,
		UsePeerDNS:     s.rc.usePeer,
		Persist:        s.rc.persist,
		Unit:           s.rc.unit,
		MaxFail:        s.rc.maxFail,
		Holdoff:        s.rc.holdoff,
		NoRemoteIP:     s.rc.noRemote,
	}
	path, err := linkproc.WriteConfigFile(s.cfg.ConfigFileDir, cfg, os.Getpid())
	if err != nil {
		return nil, nil, err
	}
	proc, rwc, err := linkproc.Launch(s.cfg.LinkDaemonPath, path)
	if err != nil {
		return nil, nil, err
	}
	return proc, linkproc.NewLogReader(rwc), nil
}

func validateSecret(v string) error {
	if strings.ContainsAny(v, "\"\r\n;") {
		return fmt.Errorf("contains a forbidden character (quote, CR, LF, or semicolon)")
	}
	return nil
}
