package rttable

import (
	"github.com/israel-lugo/netforeman/internal/route"
)

// RoutingTable is a TCAM plus an ordered sequence preserving insertion
// order. Constructing one from a list of routes merges duplicates by
// destination: the existing route's next-hops are extended with the
// duplicate's, and Multipath is recomputed. This is how the Linux
// binding's IPv6 ECMP — surfaced by the kernel as separate single-
// next-hop routes to the same destination — gets collapsed back into
// one multipath route.
type RoutingTable struct {
	tcam  *TCAM
	order []*route.Route
}

// NewRoutingTable builds a RoutingTable from routes, merging duplicate
// destinations in the order they are encountered.
func NewRoutingTable(routes []*route.Route) *RoutingTable {
	rt := &RoutingTable{tcam: NewTCAM()}
	for _, r := range routes {
		rt.addOrMerge(r)
	}
	return rt
}

func (rt *RoutingTable) addOrMerge(r *route.Route) {
	if existing := rt.tcam.GetExact(r.Dest); existing != nil {
		existing.NextHops = append(existing.NextHops, r.NextHops...)
		return
	}
	rt.tcam.Add(r)
	rt.order = append(rt.order, r)
}

// TCAM exposes the underlying TCAM for longest-prefix-match lookups.
func (rt *RoutingTable) TCAM() *TCAM { return rt.tcam }

// Routes returns the routes in insertion order.
func (rt *RoutingTable) Routes() []*route.Route {
	out := make([]*route.Route, len(rt.order))
	copy(out, rt.order)
	return out
}
