package evdsocket

import "testing"

func TestParseAddressUnixPath(t *testing.T) {
	a, err := ParseAddress("/tmp/evd.sock")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Family != FamilyUnix || a.Path != "/tmp/evd.sock" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressWildcard(t *testing.T) {
	a, err := ParseAddress("*:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Wildcard || a.Port != 8080 {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressLiteralIPv4(t *testing.T) {
	a, err := ParseAddress("127.0.0.1:9000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Family != FamilyInet4 || a.Host != "127.0.0.1" || a.Port != 9000 {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressLiteralIPv6(t *testing.T) {
	a, err := ParseAddress("[::1]:9000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Family != FamilyInet6 || a.Host != "::1" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressDNSHostIsUnresolvedUntilResolve(t *testing.T) {
	a, err := ParseAddress("localhost:1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Family != FamilyUnspec || a.Host != "localhost" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseAddressRejectsMissingPort(t *testing.T) {
	if _, err := ParseAddress("host-without-port"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestResolveWildcardPrefersRequestedFamily(t *testing.T) {
	a, err := ParseAddress("*:80")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	candidates, err := a.Resolve(FamilyInet6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].family != FamilyInet6 {
		t.Fatalf("got %+v", candidates)
	}
}
