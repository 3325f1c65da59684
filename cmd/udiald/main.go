// Command udiald drives a UMTS/3G modem through discovery, unlock and
// connection, or answers one of the informational/internal-reentry modes.
//
// Grounded on cmd/vmodem/modem.go's Options/flags.NewParser/os.Exit
// structure, generalized from a virtual-modem test server's flag surface to
// this engine's application-mode flags.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jessevdk/go-flags"

	"github.com/udiald/udiald/internal/discovery"
	"github.com/udiald/udiald/internal/errs"
	"github.com/udiald/udiald/internal/modetag"
	"github.com/udiald/udiald/internal/profile"
	"github.com/udiald/udiald/internal/session"
	"github.com/udiald/udiald/internal/sigplane"
	"github.com/udiald/udiald/internal/uciconf"
)

// Options mirrors the teacher's Options struct: one field per CLI flag,
// tagged for go-flags. Application mode flags are mutually exclusive in
// intent; neither Options nor resolveMode rejects a combination, resolveMode
// picks one by a fixed priority.
type Options struct {
	Connect    bool `short:"c" long:"connect" description:"Connect (default)"`
	Scan       bool `short:"s" long:"scan" description:"Identify + SIM-check, then exit"`
	Probe      bool `long:"probe" description:"Like scan plus verbose capability probing"`
	UnlockPIN  bool `short:"u" long:"unlock-pin" description:"Scan + PIN unlock, then exit"`
	UnlockPUK  bool `short:"U" long:"unlock-puk" description:"Reset PIN via PUK (takes two positional args: puk newpin)"`
	Dial       bool `short:"d" long:"dial" description:"Internal dial-from-link-daemon reentry"`
	ListDevs   bool `short:"l" long:"list-devices" description:"Enumerate and emit"`
	ListProfs  bool `short:"L" long:"list-profiles" description:"Emit profile registry"`

	NetworkName string `short:"n" long:"network-name" default:"wan" description:"Network label"`

	Verbose []bool `short:"v" long:"verbose" description:"Increase log verbosity"`
	Quiet   []bool `short:"q" long:"quiet" description:"Decrease log verbosity"`

	Vendor   string `short:"V" long:"vendor" description:"Filter by USB vendor (hex)"`
	Product  string `short:"P" long:"product" description:"Filter by USB device (hex)"`
	DeviceID string `short:"D" long:"device-id" description:"Filter by topology id"`
	Profile  string `short:"p" long:"profile" description:"Force profile"`

	PIN    string `long:"pin" description:"Override PIN"`
	Usable bool   `long:"usable" description:"Require matching profile"`

	Format string `short:"f" long:"format" default:"json" description:"Listing format: json|id"`

	RefuseIfFailedPIN bool `short:"t" description:"Refuse connect if last run failed unlock"`

	Args struct {
		PUK    string `positional-arg-name:"puk"`
		NewPIN string `positional-arg-name:"newpin"`
	} `positional-args:"yes"`
}

const configRoot = "/etc/udiald"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", err)
		return errs.InvalidArg.ExitCode()
	}

	logf := makeLogf(len(opts.Verbose) - len(opts.Quiet))

	store := uciconf.Open(configRoot)
	registry := profile.NewRegistry(loadUserProfiles(store))

	if opts.ListDevs {
		return listDevices(opts, registry)
	}
	if opts.ListProfs {
		return listProfiles(opts, registry)
	}

	filter, err := buildFilter(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", err)
		return errs.InvalidArg.ExitCode()
	}

	mode, err := resolveMode(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", err)
		return errs.InvalidArg.ExitCode()
	}

	cfg := session.DefaultConfig()
	cfg.Mode = mode
	cfg.NetworkName = opts.NetworkName
	cfg.Filter = filter
	cfg.PINOverride = opts.PIN
	cfg.PUK = opts.Args.PUK
	cfg.NewPIN = opts.Args.NewPIN
	cfg.RefuseIfFailedPIN = opts.RefuseIfFailedPIN

	plane := sigplane.New()
	sess := session.New(cfg, session.Deps{
		Store:    store,
		Registry: registry,
		Enum:     discovery.SysfsEnumerator{},
		Plane:    plane,
		Logf:     logf,
	})

	runErr := sess.Run()
	plane.Close()
	store.Close()
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", runErr)
		return errs.KindOf(runErr).ExitCode()
	}
	return errs.OK.ExitCode()
}

// resolveMode maps the mutually-exclusive application-mode flags onto a
// session.Mode. When several are set, the first of dial, probe, unlock-puk,
// unlock-pin, scan, connect wins: dial (internal reentry) takes precedence
// over everything, since it is never combined with the others by a real
// invocation; connect is the default absent any other flag.
func resolveMode(opts Options) (session.Mode, error) {
	switch {
	case opts.Dial:
		return session.ModeDial, nil
	case opts.Probe:
		return session.ModeProbe, nil
	case opts.UnlockPUK:
		if opts.Args.PUK == "" || opts.Args.NewPIN == "" {
			return 0, fmt.Errorf("--unlock-puk requires two positional arguments: puk newpin")
		}
		return session.ModeUnlockPUK, nil
	case opts.UnlockPIN:
		return session.ModeUnlockPIN, nil
	case opts.Scan:
		return session.ModeScan, nil
	case opts.Connect:
		return session.ModeConnect, nil
	default:
		return session.ModeConnect, nil
	}
}

func buildFilter(opts Options) (discovery.FilterSpec, error) {
	var f discovery.FilterSpec
	if opts.Vendor != "" {
		v, err := strconv.ParseUint(opts.Vendor, 16, 16)
		if err != nil {
			return f, fmt.Errorf("invalid --vendor %q: %w", opts.Vendor, err)
		}
		f.Vendor = uint16(v)
	}
	if opts.Product != "" {
		v, err := strconv.ParseUint(opts.Product, 16, 16)
		if err != nil {
			return f, fmt.Errorf("invalid --product %q: %w", opts.Product, err)
		}
		f.Device = uint16(v)
	}
	f.DeviceID = opts.DeviceID
	f.ProfileName = opts.Profile
	f.RequireProfile = opts.Usable
	return f, nil
}

func makeLogf(verbosity int) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		if verbosity < 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "udiald: "+format+"\n", args...)
	}
}

// loadUserProfiles reads the "profiles" config package: one section per
// user-supplied profile, its vendor/device/driver selectors and per-mode
// commands (key "cmd_<modetag name>"), per spec.md §3's "extension list,
// loaded from the external config store".
func loadUserProfiles(store *uciconf.Store) []profile.Profile {
	var out []profile.Profile
	for _, name := range store.Sections("profiles") {
		p := profile.Profile{Name: name, Commands: map[modetag.Tag]string{}}
		if v, ok := store.Get("profiles", name, "vendor"); ok {
			if n, err := strconv.ParseUint(v, 16, 16); err == nil {
				p.Vendor = uint16(n)
			}
		}
		if v, ok := store.Get("profiles", name, "device"); ok {
			if n, err := strconv.ParseUint(v, 16, 16); err == nil {
				p.Device = uint16(n)
			}
		}
		p.Driver, _ = store.Get("profiles", name, "driver")
		p.CtlIdx = store.GetIntDefault("profiles", name, "ctlidx", 0)
		p.DatIdx = store.GetIntDefault("profiles", name, "datidx", 1)
		for _, tag := range modetag.All() {
			if cmd, ok := store.Get("profiles", name, "cmd_"+tag.String()); ok {
				p.Commands[tag] = cmd
			}
		}
		out = append(out, p)
	}
	return out
}

type deviceListing struct {
	Vendor   string `json:"vendor"`
	Device   string `json:"device"`
	Driver   string `json:"driver"`
	DeviceID string `json:"device_id"`
	Profile  string `json:"profile,omitempty"`
	Usable   bool   `json:"usable"`
}

func listDevices(opts Options, registry *profile.Registry) int {
	filter, err := buildFilter(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", err)
		return errs.InvalidArg.ExitCode()
	}
	handles, err := discovery.Enumerate(discovery.SysfsEnumerator{}, registry, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udiald: %v\n", err)
		return errs.NoModem.ExitCode()
	}

	if opts.Format == "id" {
		for _, h := range handles {
			fmt.Println(h.DeviceID)
		}
		return errs.OK.ExitCode()
	}

	out := make([]deviceListing, 0, len(handles))
	for _, h := range handles {
		out = append(out, deviceListing{
			Vendor:   fmt.Sprintf("%04x", h.Vendor),
			Device:   fmt.Sprintf("%04x", h.Device),
			Driver:   h.Driver,
			DeviceID: h.DeviceID,
			Profile:  h.Profile.Name,
			Usable:   h.ProfileBound,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
	return errs.OK.ExitCode()
}

type profileListing struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor,omitempty"`
	Device string `json:"device,omitempty"`
	Driver string `json:"driver,omitempty"`
}

func listProfiles(opts Options, registry *profile.Registry) int {
	all := registry.All()
	if opts.Format == "id" {
		for _, p := range all {
			fmt.Println(p.Name)
		}
		return errs.OK.ExitCode()
	}

	out := make([]profileListing, 0, len(all))
	for _, p := range all {
		pl := profileListing{Name: p.Name, Driver: p.Driver}
		if p.Vendor != 0 {
			pl.Vendor = fmt.Sprintf("%04x", p.Vendor)
		}
		if p.Device != 0 {
			pl.Device = fmt.Sprintf("%04x", p.Device)
		}
		out = append(out, pl)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
	return errs.OK.ExitCode()
}
