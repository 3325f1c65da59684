// Package uciconf implements the external hierarchical configuration store
// the session state machine reads tunables from and writes status into,
// addressed by (package, section, option). One ini-style file per package
// lives under Store's root directory; sections are named after the network
// name.
//
// Grounded on github.com/mvo5/goconfigparser, the ini parser already present
// in the corpus (canonical-snapd's boot/bootloader tests parse modeenv-style
// files with it).
package uciconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mvo5/goconfigparser"
	"github.com/pkg/errors"
)

// Store is a handle onto the on-disk config store. It is safe for
// concurrent use, though this module only ever touches it from the main
// flow (the spec's invariant: "The config-store handle is touched only from
// the main flow").
type Store struct {
	root string

	mu      sync.Mutex
	parsers map[string]*goconfigparser.ConfigParser
}

// Open returns a Store rooted at dir. dir need not exist yet; it is created
// lazily on the first Set.
func Open(dir string) *Store {
	return &Store{root: dir, parsers: make(map[string]*goconfigparser.ConfigParser)}
}

func (s *Store) load(pkg string) (*goconfigparser.ConfigParser, error) {
	if cfg, ok := s.parsers[pkg]; ok {
		return cfg, nil
	}
	cfg := goconfigparser.New()
	cfg.AllowNoSectionHeader = true
	path := filepath.Join(s.root, pkg)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.parsers[pkg] = cfg
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "open config package %s", pkg)
	}
	defer f.Close()
	if err := cfg.Read(f); err != nil {
		return nil, errors.Wrapf(err, "parse config package %s", pkg)
	}
	s.parsers[pkg] = cfg
	return cfg, nil
}

// Get returns the raw string value of (pkg, section, option), and whether
// it was present.
func (s *Store) Get(pkg, section, option string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load(pkg)
	if err != nil {
		return "", false
	}
	v, err := cfg.Get(section, option)
	if err != nil {
		return "", false
	}
	return v, true
}

// GetList returns a comma-separated value split and trimmed into a slice,
// used for udiald_pppdopt. A missing or empty key returns nil.
func (s *Store) GetList(pkg, section, option string) []string {
	v, ok := s.Get(pkg, section, option)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetInt parses (pkg, section, option) as a base-10 integer.
func (s *Store) GetInt(pkg, section, option string) (int, bool) {
	v, ok := s.Get(pkg, section, option)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetIntDefault is GetInt with a fallback, for the §6 forwarded-int keys
// that each carry a documented default.
func (s *Store) GetIntDefault(pkg, section, option string, def int) int {
	if n, ok := s.GetInt(pkg, section, option); ok {
		return n
	}
	return def
}

// GetBool treats "1", "true", "yes", "on" as true and anything else present
// as false; a missing key returns (false, false).
func (s *Store) GetBool(pkg, section, option string) (bool, bool) {
	v, ok := s.Get(pkg, section, option)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	default:
		return false, true
	}
}

// Set writes (pkg, section, option) = value and persists pkg's file
// immediately (a write-through store: the spec's §7 "writes
// udiald_error_code and udiald_error_msg ... and persists" implies durability
// before the process can exit).
func (s *Store) Set(pkg, section, option, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load(pkg)
	if err != nil {
		return err
	}
	cfg.Set(section, option, value)
	return s.persist(pkg, cfg)
}

// SetInt is Set formatted from an int.
func (s *Store) SetInt(pkg, section, option string, value int) error {
	return s.Set(pkg, section, option, strconv.Itoa(value))
}

func (s *Store) persist(pkg string, cfg *goconfigparser.ConfigParser) error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errors.Wrap(err, "create config root")
	}
	path := filepath.Join(s.root, pkg)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "write config package %s", pkg)
	}
	for _, section := range cfg.Sections() {
		fmt.Fprintf(f, "[%s]\n", section)
		for _, opt := range cfg.Options(section) {
			v, _ := cfg.Get(section, opt)
			fmt.Fprintf(f, "%s = %s\n", opt, v)
		}
		fmt.Fprintln(f)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "write config package %s", pkg)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "commit config package %s", pkg)
	}
	return nil
}

// Sections returns every section name defined in pkg, used to enumerate
// user-supplied profile entries (one section per profile) out of the
// "profiles" config package.
func (s *Store) Sections(pkg string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.load(pkg)
	if err != nil {
		return nil
	}
	return cfg.Sections()
}

// Close releases the store handle. There is nothing to flush beyond what
// Set already persisted write-through; Close exists for symmetry with the
// spec's at-exit hook that "releases the config-store handle after the safe
// cleanup."
func (s *Store) Close() error {
	return nil
}
