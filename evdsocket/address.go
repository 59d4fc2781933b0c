package evdsocket

import (
	"net"
	"strconv"
	"strings"

	"github.com/evdance/evd/evderr"
	"golang.org/x/sys/unix"
)

// Family is the resolved socket family/address-grammar result (spec §6):
// "host:port" for IPv4/IPv6 (literal or DNS), "/abs/path" for Unix domain,
// "*:port" for a wildcard bind in the socket's current family.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyInet4
	FamilyInet6
	FamilyUnix
)

// Address is a parsed, not-yet-resolved target. Host is empty for unix
// addresses (Path is used instead) and for wildcard binds.
type Address struct {
	Family   Family
	Host     string
	Port     int
	Path     string // unix domain socket path
	Wildcard bool
}

// ParseAddress implements the address grammar from spec §6.
func ParseAddress(addr string) (*Address, error) {
	if strings.HasPrefix(addr, "/") {
		return &Address{Family: FamilyUnix, Path: addr}, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, evderr.Wrapf(evderr.InvalidArgument, "evdsocket: bad address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, evderr.Wrapf(evderr.InvalidArgument, "evdsocket: bad port in %q: %v", addr, err)
	}

	if host == "*" {
		return &Address{Wildcard: true, Port: port}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		fam := FamilyInet4
		if ip.To4() == nil {
			fam = FamilyInet6
		}
		return &Address{Family: fam, Host: host, Port: port}, nil
	}

	// Non-literal host: family is unresolved until Resolve runs.
	return &Address{Family: FamilyUnspec, Host: host, Port: port}, nil
}

// resolved is one candidate returned by Resolve: a concrete sockaddr plus
// the family it belongs to.
type resolved struct {
	family  Family
	sockdom int
	sa      unix.Sockaddr
}

// Resolve turns an Address into one or more dial/bind candidates. For a
// literal IP or a unix path this is synchronous and already "resolved"; for
// a DNS host it performs a lookup (the spec's "Resolving" state). The first
// candidate whose family matches preferFamily is returned first; if none
// matches, the first candidate is used and its family adopted (spec §4.4).
func (a *Address) Resolve(preferFamily Family) ([]resolved, error) {
	if a.Family == FamilyUnix {
		return []resolved{{family: FamilyUnix, sockdom: unix.AF_UNIX, sa: &unix.SockaddrUnix{Name: a.Path}}}, nil
	}

	if a.Wildcard {
		fam := preferFamily
		if fam == FamilyUnspec {
			fam = FamilyInet4
		}
		return []resolved{wildcardSockaddr(fam, a.Port)}, nil
	}

	if a.Family != FamilyUnspec {
		return []resolved{hostSockaddr(a.Family, a.Host, a.Port)}, nil
	}

	ips, err := net.LookupIP(a.Host)
	if err != nil {
		return nil, evderr.Wrapf(evderr.Unknown, "evdsocket: resolve %q: %v", a.Host, err)
	}
	if len(ips) == 0 {
		return nil, evderr.Wrapf(evderr.Unknown, "evdsocket: no addresses for %q", a.Host)
	}

	out := make([]resolved, 0, len(ips))
	for _, ip := range ips {
		fam := FamilyInet4
		if ip.To4() == nil {
			fam = FamilyInet6
		}
		out = append(out, ipSockaddr(fam, ip, a.Port))
	}

	// Prefer a candidate matching preferFamily; else keep DNS order and let
	// the caller adopt the first candidate's family.
	if preferFamily != FamilyUnspec {
		for i, r := range out {
			if r.family == preferFamily {
				out[0], out[i] = out[i], out[0]
				break
			}
		}
	}
	return out, nil
}

func wildcardSockaddr(fam Family, port int) resolved {
	if fam == FamilyInet6 {
		return resolved{family: FamilyInet6, sockdom: unix.AF_INET6, sa: &unix.SockaddrInet6{Port: port}}
	}
	return resolved{family: FamilyInet4, sockdom: unix.AF_INET, sa: &unix.SockaddrInet4{Port: port}}
}

func hostSockaddr(fam Family, host string, port int) resolved {
	ip := net.ParseIP(host)
	return ipSockaddr(fam, ip, port)
}

func ipSockaddr(fam Family, ip net.IP, port int) resolved {
	if fam == FamilyInet6 {
		var b [16]byte
		copy(b[:], ip.To16())
		return resolved{family: FamilyInet6, sockdom: unix.AF_INET6, sa: &unix.SockaddrInet6{Port: port, Addr: b}}
	}
	var b [4]byte
	copy(b[:], ip.To4())
	return resolved{family: FamilyInet4, sockdom: unix.AF_INET, sa: &unix.SockaddrInet4{Port: port, Addr: b}}
}
