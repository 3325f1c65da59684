package profile

import (
	"testing"

	"github.com/udiald/udiald/internal/modetag"
)

func TestMatchBuiltinOrder(t *testing.T) {
	r := NewRegistry(nil)

	p, ok := r.Match(0x12d1, 0x1001, "option")
	if !ok || p.Name != "Huawei K3520" {
		t.Fatalf("Match(specific) = %+v, %v, want Huawei K3520", p, ok)
	}

	p, ok = r.Match(0x12d1, 0x9999, "option")
	if !ok || p.Name != "Huawei generic" {
		t.Fatalf("Match(vendor-only) = %+v, %v, want Huawei generic", p, ok)
	}

	p, ok = r.Match(0x0001, 0x0001, "hso")
	if !ok || p.Name != "Option generic" {
		t.Fatalf("Match(driver-only) = %+v, %v, want Option generic", p, ok)
	}

	_, ok = r.Match(0x0001, 0x0001, "unknown-driver")
	if ok {
		t.Fatal("Match() matched with no set selector equal, want no match")
	}
}

func TestUserProfilesShadowBuiltins(t *testing.T) {
	user := Profile{
		Name:     "user override",
		Vendor:   0x12d1,
		Device:   0x1001,
		CtlIdx:   0,
		DatIdx:   1,
		Commands: map[modetag.Tag]string{modetag.Auto: "AT+CUSTOM"},
	}
	r := NewRegistry([]Profile{user})

	p, ok := r.Match(0x12d1, 0x1001, "option")
	if !ok || p.Name != "user override" {
		t.Fatalf("Match() = %+v, %v, want user override to shadow the built-in", p, ok)
	}
}

func TestUserProfilesReorderingMattersOnlyWithOverlap(t *testing.T) {
	a := Profile{Name: "a", Vendor: 0x1, Commands: map[modetag.Tag]string{}}
	b := Profile{Name: "b", Vendor: 0x1, Commands: map[modetag.Tag]string{}}

	r1 := NewRegistry([]Profile{a, b})
	r2 := NewRegistry([]Profile{b, a})

	p1, _ := r1.Match(0x1, 0x2, "driver")
	p2, _ := r2.Match(0x1, 0x2, "driver")
	if p1.Name == p2.Name {
		t.Fatalf("reordering two overlapping user profiles should change the winner, got %s both times", p1.Name)
	}

	c := Profile{Name: "c", Vendor: 0x2, Commands: map[modetag.Tag]string{}}
	r3 := NewRegistry([]Profile{a, c})
	r4 := NewRegistry([]Profile{c, a})
	p3, _ := r3.Match(0x1, 0x2, "driver")
	p4, _ := r4.Match(0x1, 0x2, "driver")
	if p3.Name != p4.Name {
		t.Fatalf("reordering non-overlapping user profiles should not change the winner for vendor 0x1, got %s vs %s", p3.Name, p4.Name)
	}
}

func TestByNameAndAll(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.ByName("Huawei K3520"); !ok {
		t.Fatal("ByName() did not find built-in profile")
	}
	if len(r.All()) != len(Builtin()) {
		t.Fatalf("All() len = %d, want %d", len(r.All()), len(Builtin()))
	}
}
