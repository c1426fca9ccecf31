// Package route implements the NetForeman route algebra: the typed
// next-hop/route data model shared by the TCAM, the FIB interface, and
// every concrete FIB binding.
package route

import (
	"fmt"
	"net/netip"
)

// AddressFamily is the IP address family of a route.
type AddressFamily int

const (
	Inet4 AddressFamily = iota
	Inet6
)

func (f AddressFamily) String() string {
	switch f {
	case Inet4:
		return "inet4"
	case Inet6:
		return "inet6"
	default:
		return fmt.Sprintf("AddressFamily(%d)", int(f))
	}
}

// FamilyOf derives the AddressFamily of an address.
func FamilyOf(a netip.Addr) (AddressFamily, error) {
	switch {
	case a.Is4():
		return Inet4, nil
	case a.Is6():
		return Inet6, nil
	default:
		return 0, fmt.Errorf("route: invalid or unspecified address %v", a)
	}
}

// DefaultNetwork returns the canonical default network for a family:
// 0.0.0.0/0 for inet4, ::/0 for inet6.
func DefaultNetwork(family AddressFamily) netip.Prefix {
	switch family {
	case Inet4:
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	case Inet6:
		return netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	default:
		panic(fmt.Sprintf("route: unknown address family %v", family))
	}
}

// Bits returns the address width in bits for a family: 32 or 128.
func Bits(family AddressFamily) int {
	if family == Inet4 {
		return 32
	}
	return 128
}

// NHType is the kind of a next-hop.
type NHType int

const (
	// NHConnected is a directly attached next-hop: no gateway.
	NHConnected NHType = iota
	// NHVia is a next-hop routed through a gateway.
	NHVia
	// NHLocal is reserved; never emitted by any binding (unobservable on
	// normal netlink dumps).
	NHLocal
)

func (k NHType) String() string {
	switch k {
	case NHConnected:
		return "connected"
	case NHVia:
		return "via"
	case NHLocal:
		return "local"
	default:
		return fmt.Sprintf("NHType(%d)", int(k))
	}
}

// RouteType is the kernel route type.
type RouteType int

const (
	RTUnspec RouteType = iota
	RTUnicast
	RTLocal
	RTBroadcast
	RTAnycast
	RTMulticast
	RTBlackhole
	RTUnreachable
	RTProhibit
	RTThrow
	RTNat
	RTXresolve
)

func (t RouteType) String() string {
	switch t {
	case RTUnspec:
		return "unspec"
	case RTUnicast:
		return "unicast"
	case RTLocal:
		return "local"
	case RTBroadcast:
		return "broadcast"
	case RTAnycast:
		return "anycast"
	case RTMulticast:
		return "multicast"
	case RTBlackhole:
		return "blackhole"
	case RTUnreachable:
		return "unreachable"
	case RTProhibit:
		return "prohibit"
	case RTThrow:
		return "throw"
	case RTNat:
		return "nat"
	case RTXresolve:
		return "xresolve"
	default:
		return fmt.Sprintf("RouteType(%d)", int(t))
	}
}

// IsNull reports whether a route of this type discards traffic.
func (t RouteType) IsNull() bool {
	switch t {
	case RTBlackhole, RTUnreachable, RTProhibit:
		return true
	default:
		return false
	}
}

// NextHop is one forwarding next-hop of a route. Gateway and Ifname are
// nil when not applicable (or, for a RouteMatch, not constrained).
//
// Invariant: Kind == NHVia implies Gateway != nil; Kind == NHConnected
// implies Gateway == nil.
type NextHop struct {
	Gateway *netip.Addr
	Ifname  *string
	Kind    NHType
}

func (n NextHop) String() string {
	switch {
	case n.Gateway != nil && n.Ifname != nil:
		return fmt.Sprintf("via %s dev %s", n.Gateway, *n.Ifname)
	case n.Gateway != nil:
		return fmt.Sprintf("via %s", n.Gateway)
	case n.Ifname != nil:
		return fmt.Sprintf("dev %s", *n.Ifname)
	default:
		return "(no nexthop)"
	}
}

// MatchNextHop tests whether every non-nil field of pattern equals the
// corresponding field of concrete. This is the null-tolerant,
// asymmetric equality used for pattern matching (§4.1): strict == is
// never used for NextHop comparisons that may involve a pattern.
func MatchNextHop(pattern, concrete NextHop) bool {
	if pattern.Gateway != nil {
		if concrete.Gateway == nil || *pattern.Gateway != *concrete.Gateway {
			return false
		}
	}
	if pattern.Ifname != nil {
		if concrete.Ifname == nil || *pattern.Ifname != *concrete.Ifname {
			return false
		}
	}
	return true
}

// Route is a single routing entry: a destination network and the
// next-hops that reach it.
type Route struct {
	Family   AddressFamily
	Dest     netip.Prefix
	DestLen  int
	NextHops []NextHop
	Metric   *int
	Proto    string
	RtType   RouteType
}

// NewRoute validates and constructs a Route. It enforces the invariants
// from spec §3: DestLen matches Dest's prefix length, Family matches
// Dest's IP version, a zero DestLen implies the canonical default
// network, and at least one next-hop is present.
func NewRoute(family AddressFamily, dest netip.Prefix, destLen int, nexthops []NextHop, metric *int, proto string, rtType RouteType) (*Route, error) {
	if family != Inet4 && family != Inet6 {
		return nil, fmt.Errorf("route: invalid address family %v", family)
	}
	if destLen != dest.Bits() {
		return nil, fmt.Errorf("route: destLen %d does not match dest prefix length %d", destLen, dest.Bits())
	}
	destFamily, err := FamilyOf(dest.Addr())
	if err != nil {
		return nil, err
	}
	if destFamily != family {
		return nil, fmt.Errorf("route: family %v does not match dest %v", family, dest)
	}
	if destLen == 0 && dest != DefaultNetwork(family) {
		return nil, fmt.Errorf("route: destLen 0 requires the canonical default network, got %v", dest)
	}
	if len(nexthops) == 0 {
		return nil, fmt.Errorf("route: at least one nexthop is required")
	}
	for i, nh := range nexthops {
		if nh.Kind == NHVia && nh.Gateway == nil {
			return nil, fmt.Errorf("route: nexthop %d is kind via but has no gateway", i)
		}
		if nh.Kind == NHConnected && nh.Gateway != nil {
			return nil, fmt.Errorf("route: nexthop %d is kind connected but has a gateway", i)
		}
	}
	return &Route{
		Family:   family,
		Dest:     dest,
		DestLen:  destLen,
		NextHops: nexthops,
		Metric:   metric,
		Proto:    proto,
		RtType:   rtType,
	}, nil
}

// Multipath reports whether the route has more than one next-hop.
func (r *Route) Multipath() bool {
	return len(r.NextHops) > 1
}

// IsNull reports whether the route discards traffic (blackhole,
// unreachable, or prohibit).
func (r *Route) IsNull() bool {
	return r.RtType.IsNull()
}

func (r *Route) String() string {
	s := r.Dest.String()
	for _, nh := range r.NextHops {
		s += " " + nh.String()
	}
	if r.Metric != nil {
		s += fmt.Sprintf(" metric %d", *r.Metric)
	}
	return s
}

// Equal is strict, field-wise equality for concrete routes.
func (r *Route) Equal(o *Route) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Family != o.Family || r.Dest != o.Dest || r.DestLen != o.DestLen ||
		r.Proto != o.Proto || r.RtType != o.RtType {
		return false
	}
	if (r.Metric == nil) != (o.Metric == nil) {
		return false
	}
	if r.Metric != nil && *r.Metric != *o.Metric {
		return false
	}
	if len(r.NextHops) != len(o.NextHops) {
		return false
	}
	for i := range r.NextHops {
		if !MatchNextHop(r.NextHops[i], o.NextHops[i]) || !MatchNextHop(o.NextHops[i], r.NextHops[i]) {
			return false
		}
	}
	return true
}

// Match is a relaxed pattern used for FIB lookup and as an equality
// template: a Route whose non-family fields may be absent.
type Match struct {
	Family    AddressFamily
	Dest      *netip.Prefix
	NextHops  []NextHop
	Metric    *int
	Proto     *string
	RtType    *RouteType
}

// Matches tests whether every non-nil field of m equals the
// corresponding field of concrete. Family is always compared (it is
// never optional on a Match). This is the asymmetric, null-tolerant
// equality named in spec §4.1/§9: m == concrete iff every non-null
// field of m agrees with concrete.
func (m Match) Matches(concrete *Route) bool {
	if concrete == nil {
		return false
	}
	if m.Family != concrete.Family {
		return false
	}
	if m.Dest != nil && *m.Dest != concrete.Dest {
		return false
	}
	if m.Proto != nil && *m.Proto != concrete.Proto {
		return false
	}
	if m.RtType != nil && *m.RtType != concrete.RtType {
		return false
	}
	if m.Metric != nil {
		if concrete.Metric == nil || *m.Metric != *concrete.Metric {
			return false
		}
	}
	for _, pat := range m.NextHops {
		ok := false
		for _, nh := range concrete.NextHops {
			if MatchNextHop(pat, nh) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
