package rttable

import (
	"testing"

	"github.com/israel-lugo/netforeman/internal/route"
)

func TestRoutingTableMergesDuplicateDest(t *testing.T) {
	t.Parallel()
	r1 := mustRoute(t, "2001:db8::/32", "2001:db8::1")
	r2 := mustRoute(t, "2001:db8::/32", "2001:db8::2")
	r2.Dest = r1.Dest // force identical destination, as IPv6 ECMP surfaces

	rt := NewRoutingTable([]*route.Route{r1, r2})

	routes := rt.Routes()
	if len(routes) != 1 {
		t.Fatalf("Routes() returned %d entries, want 1 (merged)", len(routes))
	}
	if len(routes[0].NextHops) != 2 {
		t.Fatalf("merged route has %d nexthops, want 2", len(routes[0].NextHops))
	}
	if !routes[0].Multipath() {
		t.Errorf("merged route with 2 nexthops should report Multipath() == true")
	}
}

func TestRoutingTablePreservesInsertionOrder(t *testing.T) {
	t.Parallel()
	r1 := mustRoute(t, "10.0.0.0/24", "10.0.0.1")
	r2 := mustRoute(t, "10.0.1.0/24", "10.0.1.1")
	r3 := mustRoute(t, "10.0.2.0/24", "10.0.2.1")

	rt := NewRoutingTable([]*route.Route{r1, r2, r3})
	routes := rt.Routes()
	if len(routes) != 3 || routes[0] != r1 || routes[1] != r2 || routes[2] != r3 {
		t.Errorf("Routes() did not preserve insertion order: %v", routes)
	}
}
