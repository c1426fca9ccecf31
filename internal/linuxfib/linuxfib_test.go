package linuxfib

import (
	"net"
	"net/netip"
	"testing"

	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"

	"github.com/israel-lugo/netforeman/internal/route"
	"github.com/israel-lugo/netforeman/internal/rttable"
)

func TestDecodeRouteDefaultNetwork(t *testing.T) {
	t.Parallel()
	gw := net.ParseIP("10.0.0.1").To4()
	msg := rtnetlink.RouteMessage{
		Family:    unix.AF_INET,
		DstLength: 0,
		Table:     mainTable,
		Protocol:  unix.RTPROT_STATIC,
		Type:      unix.RTN_UNICAST,
		Attributes: rtnetlink.RouteAttributes{
			Gateway: gw,
		},
	}
	r, err := decodeRoute(msg, route.Inet4)
	if err != nil {
		t.Fatalf("decodeRoute: %v", err)
	}
	if r.Dest != route.DefaultNetwork(route.Inet4) {
		t.Errorf("Dest = %v, want the canonical default network", r.Dest)
	}
	if len(r.NextHops) != 1 || r.NextHops[0].Kind != route.NHVia {
		t.Errorf("NextHops = %v, want a single via nexthop", r.NextHops)
	}
}

func TestDecodeRouteConnected(t *testing.T) {
	t.Parallel()
	msg := rtnetlink.RouteMessage{
		Family:    unix.AF_INET,
		DstLength: 24,
		Table:     mainTable,
		Protocol:  unix.RTPROT_KERNEL,
		Type:      unix.RTN_UNICAST,
		Attributes: rtnetlink.RouteAttributes{
			Dst: net.ParseIP("10.0.0.0").To4(),
		},
	}
	r, err := decodeRoute(msg, route.Inet4)
	if err != nil {
		t.Fatalf("decodeRoute: %v", err)
	}
	if r.NextHops[0].Kind != route.NHConnected {
		t.Errorf("NextHops[0].Kind = %v, want connected (no gateway)", r.NextHops[0].Kind)
	}
	if r.Proto != "kernel" {
		t.Errorf("Proto = %q, want kernel", r.Proto)
	}
}

func TestDecodeRouteMultipath(t *testing.T) {
	t.Parallel()
	msg := rtnetlink.RouteMessage{
		Family:    unix.AF_INET,
		DstLength: 24,
		Table:     mainTable,
		Type:      unix.RTN_UNICAST,
		Attributes: rtnetlink.RouteAttributes{
			Dst: net.ParseIP("10.0.0.0").To4(),
			MultiPath: rtnetlink.RTMultiPath{
				{Gateway: net.ParseIP("10.0.0.1").To4()},
				{Gateway: net.ParseIP("10.0.0.2").To4()},
			},
		},
	}
	r, err := decodeRoute(msg, route.Inet4)
	if err != nil {
		t.Fatalf("decodeRoute: %v", err)
	}
	if !r.Multipath() || len(r.NextHops) != 2 {
		t.Errorf("NextHops = %v, want 2 multipath nexthops", r.NextHops)
	}
}

func TestDecodeRouteFamilyMismatch(t *testing.T) {
	t.Parallel()
	msg := rtnetlink.RouteMessage{Family: unix.AF_INET6, DstLength: 0}
	if _, err := decodeRoute(msg, route.Inet4); err == nil {
		t.Errorf("decodeRoute should reject a family mismatch between message and requested family")
	}
}

func TestEncodeRouteSingleNextHop(t *testing.T) {
	t.Parallel()
	dest := netip.MustParsePrefix("10.0.0.0/24")
	gw := netip.MustParseAddr("10.0.0.1")
	r, err := route.NewRoute(route.Inet4, dest, 24, []route.NextHop{{Kind: route.NHVia, Gateway: &gw}}, nil, "static", route.RTUnicast)
	if err != nil {
		t.Fatalf("NewRoute: %v", err)
	}
	msg, err := encodeRoute(r)
	if err != nil {
		t.Fatalf("encodeRoute: %v", err)
	}
	if msg.DstLength != 24 {
		t.Errorf("DstLength = %d, want 24", msg.DstLength)
	}
	if len(msg.Attributes.Gateway) == 0 {
		t.Errorf("Attributes.Gateway not set")
	}
}

// TestGetRoutesMergesIPv6ECMP exercises the same decode-then-merge path
// GetRoutes uses: two separate RouteMessages to the same destination,
// each with a single next-hop, must collapse into one multipath route
// (spec §3, §4.4 — this is how IPv6 ECMP is surfaced by the kernel).
func TestGetRoutesMergesIPv6ECMP(t *testing.T) {
	t.Parallel()
	dst := net.ParseIP("2001:db8::").To16()
	msgs := []rtnetlink.RouteMessage{
		{
			Family:    unix.AF_INET6,
			DstLength: 64,
			Table:     mainTable,
			Type:      unix.RTN_UNICAST,
			Attributes: rtnetlink.RouteAttributes{
				Dst:      dst,
				Gateway:  net.ParseIP("fe80::1").To16(),
				OutIface: 2,
			},
		},
		{
			Family:    unix.AF_INET6,
			DstLength: 64,
			Table:     mainTable,
			Type:      unix.RTN_UNICAST,
			Attributes: rtnetlink.RouteAttributes{
				Dst:      dst,
				Gateway:  net.ParseIP("fe80::2").To16(),
				OutIface: 3,
			},
		},
	}

	var decoded []*route.Route
	for _, m := range msgs {
		r, err := decodeRoute(m, route.Inet6)
		if err != nil {
			t.Fatalf("decodeRoute: %v", err)
		}
		decoded = append(decoded, r)
	}

	merged := rttable.NewRoutingTable(decoded).Routes()
	if len(merged) != 1 {
		t.Fatalf("merged routes = %d, want 1", len(merged))
	}
	if !merged[0].Multipath() || len(merged[0].NextHops) != 2 {
		t.Errorf("NextHops = %v, want 2 merged multipath nexthops", merged[0].NextHops)
	}
}

func TestAsErrnoUnreachableSet(t *testing.T) {
	t.Parallel()
	for _, e := range []unix.Errno{unix.ENETUNREACH, unix.EHOSTUNREACH, unix.EACCES, unix.EINVAL} {
		if !unreachableErrnos[e] {
			t.Errorf("%v should be in unreachableErrnos", e)
		}
	}
}
