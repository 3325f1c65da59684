// Package discovery resolves the host's USB device tree down to
// (control TTY, data TTY, profile) triples.
//
// USB enumeration itself is treated as an external, OS-supplied primitive
// (spec.md §1); the real Enumerator here reads that primitive's sysfs
// presentation (/sys/bus/usb/devices) with nothing beyond the standard
// library, while tests substitute a fake Enumerator, the same
// substitute-the-hardware-facing-interface approach the teacher uses for
// io.ReadWriteCloser TTYs.
package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/udiald/udiald/internal/profile"
)

// Candidate is one USB device node as seen by enumeration, before any
// profile has been bound.
type Candidate struct {
	Vendor    uint16
	Device    uint16
	Driver    string
	DeviceID  string // OS-visible topology string, e.g. "1.2-1"
	Endpoints []string
}

// Enumerator lists the USB devices currently attached to the host.
type Enumerator interface {
	Enumerate() ([]Candidate, error)
}

// FilterSpec constrains discovery. Each field is independently set or
// unset; an unset field imposes no constraint. Vendor/Device use 0 as
// "unset" the same way profile.Profile's selector fields do.
type FilterSpec struct {
	Vendor         uint16
	Device         uint16
	DeviceID       string
	ProfileName    string
	RequireProfile bool
}

// Handle is a concrete selected modem: its USB identity, the ordered
// endpoint list discovery found, the two endpoints a bound profile resolved
// to, and the profile itself.
type Handle struct {
	Vendor    uint16
	Device    uint16
	Driver    string
	DeviceID  string
	Endpoints []string

	ControlTTY string
	DataTTY    string

	Profile      profile.Profile
	ProfileBound bool
}

// Enumerate returns every USB candidate that survives FilterSpec's set
// fields, each annotated with a bound profile when one is found (or forced
// via FilterSpec.ProfileName). If FilterSpec.RequireProfile is set,
// candidates without a matching profile are dropped entirely; otherwise
// they are still returned (ProfileBound=false), since --list-devices has a
// use for an unusable device's raw identity.
func Enumerate(enum Enumerator, reg *profile.Registry, filter FilterSpec) ([]Handle, error) {
	cands, err := enum.Enumerate()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate usb devices")
	}

	var out []Handle
	for _, c := range cands {
		if filter.Vendor != 0 && c.Vendor != filter.Vendor {
			continue
		}
		if filter.Device != 0 && c.Device != filter.Device {
			continue
		}
		if filter.DeviceID != "" && c.DeviceID != filter.DeviceID {
			continue
		}

		h := Handle{
			Vendor:    c.Vendor,
			Device:    c.Device,
			Driver:    c.Driver,
			DeviceID:  c.DeviceID,
			Endpoints: c.Endpoints,
		}

		var p profile.Profile
		var ok bool
		if filter.ProfileName != "" {
			p, ok = reg.ByName(filter.ProfileName)
		} else {
			p, ok = reg.Match(c.Vendor, c.Device, c.Driver)
		}
		if !ok && filter.RequireProfile {
			continue
		}
		if ok {
			ctl, dat, rerr := resolveEndpoints(c.Endpoints, p)
			if rerr != nil {
				// Out-of-range indices are a fatal discovery error for this
				// candidate only; it is dropped rather than aborting the
				// whole enumeration, so siblings can still be listed.
				continue
			}
			h.Profile = p
			h.ProfileBound = true
			h.ControlTTY = ctl
			h.DataTTY = dat
		}
		out = append(out, h)
	}
	return out, nil
}

// Select runs Enumerate and returns the first survivor with a bound
// profile, in enumeration order, per the spec's "among survivors, the first
// in enumeration order is chosen."
func Select(enum Enumerator, reg *profile.Registry, filter FilterSpec) (*Handle, error) {
	handles, err := Enumerate(enum, reg, filter)
	if err != nil {
		return nil, err
	}
	for i := range handles {
		if handles[i].ProfileBound {
			return &handles[i], nil
		}
	}
	return nil, errors.New("no usable modem found")
}

func resolveEndpoints(endpoints []string, p profile.Profile) (ctl, dat string, err error) {
	if p.CtlIdx < 0 || p.CtlIdx >= len(endpoints) {
		return "", "", errors.Errorf("profile %s: control index %d out of range (%d endpoints)", p.Name, p.CtlIdx, len(endpoints))
	}
	if p.DatIdx < 0 || p.DatIdx >= len(endpoints) {
		return "", "", errors.Errorf("profile %s: data index %d out of range (%d endpoints)", p.Name, p.DatIdx, len(endpoints))
	}
	return endpoints[p.CtlIdx], endpoints[p.DatIdx], nil
}

// SysfsEnumerator is the production Enumerator: it walks
// /sys/bus/usb/devices, reading idVendor/idProduct/driver symlinks and
// ttyUSB*/ttyACM* children for each device directory. Devices are visited in
// sorted name order, and each device's tty paths are sorted by name.
type SysfsEnumerator struct {
	// Root defaults to /sys/bus/usb/devices.
	Root string
}

func (e SysfsEnumerator) root() string {
	if e.Root != "" {
		return e.Root
	}
	return "/sys/bus/usb/devices"
}

func (e SysfsEnumerator) Enumerate() ([]Candidate, error) {
	root := e.root()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", root)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Candidate
	for _, name := range names {
		dir := filepath.Join(root, name)
		vendor, ok := readHex16(filepath.Join(dir, "idVendor"))
		if !ok {
			continue
		}
		device, ok := readHex16(filepath.Join(dir, "idProduct"))
		if !ok {
			continue
		}
		driver := readDriverName(dir)
		ttys := findTTYChildren(dir)
		if len(ttys) == 0 {
			continue
		}
		out = append(out, Candidate{
			Vendor:    vendor,
			Device:    device,
			Driver:    driver,
			DeviceID:  name,
			Endpoints: ttys,
		})
	}
	return out, nil
}

func readHex16(path string) (uint16, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(sc.Text()), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func readDriverName(dir string) string {
	// Walk interface subdirectories (name-ifaceNumber) looking for a
	// "driver" symlink, e.g. 1-1:1.0/driver -> .../drivers/option.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		link := filepath.Join(dir, e.Name(), "driver")
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		return filepath.Base(target)
	}
	return ""
}

func findTTYChildren(dir string) []string {
	var out []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		ifaceDir := filepath.Join(dir, e.Name())
		ttyEntries, err := os.ReadDir(ifaceDir)
		if err != nil {
			continue
		}
		for _, t := range ttyEntries {
			n := t.Name()
			if strings.HasPrefix(n, "ttyUSB") || strings.HasPrefix(n, "ttyACM") {
				out = append(out, filepath.Join("/dev", n))
			}
			// Newer kernels nest the tty under a "tty" subdirectory:
			// .../1-1:1.0/tty/ttyUSB0
			if n == "tty" {
				nested, err := os.ReadDir(filepath.Join(ifaceDir, n))
				if err == nil {
					for _, nt := range nested {
						out = append(out, filepath.Join("/dev", nt.Name()))
					}
				}
			}
		}
	}
	sort.Strings(out)
	return out
}
