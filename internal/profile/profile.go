// Package profile holds the built-in and user-supplied device configuration
// profiles, and the first-match selection rule that binds one of them to a
// discovered modem.
package profile

import "github.com/udiald/udiald/internal/modetag"

// Profile is a named device/vendor/driver selector plus per-mode AT command
// strings. A missing entry for a modetag.Tag means the device does not
// support that mode. Profiles are immutable after registration.
type Profile struct {
	Name string

	// Vendor, Device and Driver are selector fields. A zero Vendor/Device or
	// an empty Driver is a wildcard: it matches any candidate.
	Vendor uint16
	Device uint16
	Driver string

	// CtlIdx and DatIdx index into a ModemHandle's ordered endpoint list to
	// pick the control and data TTY respectively.
	CtlIdx int
	DatIdx int

	// Commands maps each supported mode to the literal AT command string
	// that selects it. An absent key means the mode is unsupported.
	Commands map[modetag.Tag]string
}

// Matches reports whether p is a candidate for a modem with the given
// vendor, device and driver. Every selector field p sets (non-zero/non-empty)
// must equal the corresponding candidate field; unset fields are wildcards.
func (p Profile) Matches(vendor, device uint16, driver string) bool {
	if p.Vendor != 0 && p.Vendor != vendor {
		return false
	}
	if p.Device != 0 && p.Device != device {
		return false
	}
	if p.Driver != "" && p.Driver != driver {
		return false
	}
	return true
}

// Registry is an ordered sequence of Profiles. Matching walks the sequence
// front-to-back; the first entry whose set selectors all equal the
// candidate's wins.
type Registry struct {
	user    []Profile
	builtin []Profile
}

// NewRegistry builds a Registry from the built-in table plus any
// user-supplied profiles loaded from the external config store. User
// profiles are prepended so they shadow the built-ins.
func NewRegistry(user []Profile) *Registry {
	return &Registry{user: user, builtin: Builtin()}
}

// Match returns the first profile, in (user ++ builtin) order, whose set
// selectors all equal the candidate's vendor/device/driver. The second
// return value is false if no profile matches.
func (r *Registry) Match(vendor, device uint16, driver string) (Profile, bool) {
	for _, p := range r.user {
		if p.Matches(vendor, device, driver) {
			return p, true
		}
	}
	for _, p := range r.builtin {
		if p.Matches(vendor, device, driver) {
			return p, true
		}
	}
	return Profile{}, false
}

// ByName returns the first profile (user profiles first) with the given
// name, used to implement the --profile force-a-profile CLI flag.
func (r *Registry) ByName(name string) (Profile, bool) {
	for _, p := range r.user {
		if p.Name == name {
			return p, true
		}
	}
	for _, p := range r.builtin {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// All returns every registered profile, user profiles first, in match order.
// Used to implement --list-profiles.
func (r *Registry) All() []Profile {
	out := make([]Profile, 0, len(r.user)+len(r.builtin))
	out = append(out, r.user...)
	out = append(out, r.builtin...)
	return out
}

// Builtin returns the built-in profile table. Order is significant: specific
// (vendor+device) entries come first, then vendor-only, then driver-only, so
// the first-match rule naturally yields the most specific profile.
func Builtin() []Profile {
	return []Profile{
		{
			Name:   "Huawei K3520",
			Vendor: 0x12d1,
			Device: 0x1001,
			CtlIdx: 2,
			DatIdx: 0,
			Commands: map[modetag.Tag]string{
				modetag.Auto:       "AT^SYSCFG=2,2,40000000,2,4",
				modetag.ForceUMTS:  "AT^SYSCFG=2,2,40000000,1,4",
				modetag.ForceGPRS:  "AT^SYSCFG=13,1,40000000,2,4",
				modetag.PreferUMTS: "AT^SYSCFG=2,2,40000000,1,4",
				modetag.PreferGPRS: "AT^SYSCFG=2,1,40000000,1,4",
			},
		},
		{
			Name:   "Huawei E220",
			Vendor: 0x12d1,
			Device: 0x1003,
			CtlIdx: 1,
			DatIdx: 0,
			Commands: map[modetag.Tag]string{
				modetag.Auto:       "AT^SYSCFG=2,2,40000000,2,4",
				modetag.ForceUMTS:  "AT^SYSCFG=2,2,40000000,1,4",
				modetag.ForceGPRS:  "AT^SYSCFG=13,1,40000000,2,4",
				modetag.PreferUMTS: "AT^SYSCFG=2,2,40000000,1,4",
				modetag.PreferGPRS: "AT^SYSCFG=2,1,40000000,1,4",
			},
		},
		{
			// Vendor-only fallback: any other Huawei modem, generic UMTS
			// indices that hold for most Option/Huawei chipsets.
			Name:   "Huawei generic",
			Vendor: 0x12d1,
			CtlIdx: 0,
			DatIdx: 1,
			Commands: map[modetag.Tag]string{
				modetag.Auto: "AT^SYSCFG=2,2,40000000,2,4",
			},
		},
		{
			// Driver-only fallback for the Option kernel driver family
			// (hso), which exposes application/control endpoints in a
			// fixed order regardless of USB IDs.
			Name:   "Option generic",
			Driver: "hso",
			CtlIdx: 0,
			DatIdx: 1,
			Commands: map[modetag.Tag]string{
				modetag.Auto: "AT_OPSYS=2,2",
			},
		},
	}
}
