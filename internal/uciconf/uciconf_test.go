package uciconf

import (
	"path/filepath"
	"testing"
)

func TestSetThenGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)

	if err := s.Set("network", "wan", "modem_name", "Huawei E220"); err != nil {
		t.Fatalf("Set() err = %v", err)
	}
	v, ok := s.Get("network", "wan", "modem_name")
	if !ok || v != "Huawei E220" {
		t.Fatalf("Get() = %q, %v, want %q, true", v, ok, "Huawei E220")
	}
}

func TestGetIntDefaultFallback(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)

	if got := s.GetIntDefault("network", "wan", "maxfail", 1); got != 1 {
		t.Errorf("GetIntDefault() on missing key = %d, want default 1", got)
	}

	if err := s.SetInt("network", "wan", "maxfail", 3); err != nil {
		t.Fatalf("SetInt() err = %v", err)
	}
	if got := s.GetIntDefault("network", "wan", "maxfail", 1); got != 3 {
		t.Errorf("GetIntDefault() = %d, want 3", got)
	}
}

func TestGetListSplitsAndTrims(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	s.Set("network", "wan", "udiald_pppdopt", "debug, nodefaultroute ,logfd 2")

	got := s.GetList("network", "wan", "udiald_pppdopt")
	want := []string{"debug", "nodefaultroute", "logfd 2"}
	if len(got) != len(want) {
		t.Fatalf("GetList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFailedPinPersistsAcrossStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	if err := s.Set("network", "wan", "failed_pin", "1234"); err != nil {
		t.Fatalf("Set() err = %v", err)
	}

	// Simulate a fresh run: a new Store over the same directory must still
	// see the persisted failed_pin (spec.md §3: "A non-empty failed_pin
	// persisted in the config store suppresses any further attempt with the
	// same PIN in any subsequent run").
	s2 := Open(dir)
	v, ok := s2.Get("network", "wan", "failed_pin")
	if !ok || v != "1234" {
		t.Fatalf("Get() after reopen = %q, %v, want %q, true", v, ok, "1234")
	}
}

func TestSectionsListsEverySection(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	s.Set("profiles", "My Huawei", "vendor", "12d1")
	s.Set("profiles", "Other Modem", "vendor", "1199")

	got := s.Sections("profiles")
	if len(got) != 2 {
		t.Fatalf("Sections() = %v, want 2 entries", got)
	}
}

func TestSectionsOnMissingPackage(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	if got := s.Sections("nonexistent"); len(got) != 0 {
		t.Errorf("Sections() on a never-written package = %v, want empty", got)
	}
}

func TestPersistedFileIsUnderRoot(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	s.Set("network", "wan", "rssi", "-75")

	if matches, err := filepath.Glob(filepath.Join(dir, "network")); err != nil || len(matches) != 1 {
		t.Fatalf("Glob = %v, %v, want exactly the network package file under root", matches, err)
	}
}
