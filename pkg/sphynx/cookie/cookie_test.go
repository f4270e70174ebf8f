package cookie

import (
	"net/netip"
	"testing"
)

func TestIssueVerify(t *testing.T) {
	j, err := NewJar()
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddrPort("203.0.113.4:27015")

	c, err := j.Issue(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !j.Verify(addr, c) {
		t.Fatal("cookie did not verify for its own address")
	}

	other := netip.MustParseAddrPort("203.0.113.5:27015")
	if j.Verify(other, c) {
		t.Fatal("cookie verified for a different address")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	j, err := NewJar()
	if err != nil {
		t.Fatal(err)
	}
	addr := netip.MustParseAddrPort("203.0.113.4:27015")
	if j.Verify(addr, [4]byte{1, 2, 3, 4}) {
		t.Fatal("random bytes verified as a cookie")
	}
}
