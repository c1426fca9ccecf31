// Package rttable implements the NetForeman longest-prefix-match table
// (TCAM) and the ordered RoutingTable built on top of it.
package rttable

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/israel-lugo/netforeman/internal/route"
)

// TCAM is a two-level mapping prefixLen -> (network -> Route),
// supporting longest-prefix-match lookup. See spec §3/§4.2.
type TCAM struct {
	destsByLen map[int]map[netip.Prefix]*route.Route
}

// NewTCAM returns an empty TCAM.
func NewTCAM() *TCAM {
	return &TCAM{destsByLen: make(map[int]map[netip.Prefix]*route.Route)}
}

// Add inserts r, keyed by its destination network and prefix length.
func (t *TCAM) Add(r *route.Route) {
	inner, ok := t.destsByLen[r.DestLen]
	if !ok {
		inner = make(map[netip.Prefix]*route.Route)
		t.destsByLen[r.DestLen] = inner
	}
	inner[r.Dest] = r
}

// Remove deletes the entry whose destination exactly matches r.Dest,
// after verifying that r (used as a pattern) matches the stored route.
// It refuses a nil destination and returns an error if no entry exists
// or if r does not match the stored route.
func (t *TCAM) Remove(r *route.Route) error {
	inner, ok := t.destsByLen[r.DestLen]
	if !ok {
		return fmt.Errorf("rttable: no route to %v/%d", r.Dest.Addr(), r.DestLen)
	}
	stored, ok := inner[r.Dest]
	if !ok {
		return fmt.Errorf("rttable: no route to %v", r.Dest)
	}
	m := route.Match{Family: r.Family, Dest: &r.Dest}
	if !m.Matches(stored) || !routeAsPattern(r).Matches(stored) {
		return fmt.Errorf("rttable: supplied route does not match stored route for %v", r.Dest)
	}
	delete(inner, r.Dest)
	if len(inner) == 0 {
		delete(t.destsByLen, r.DestLen)
	}
	return nil
}

// routeAsPattern turns a concrete route into a Match pattern over its
// own fields, used so Remove can reuse the same null-tolerant
// comparison Match.Matches provides.
func routeAsPattern(r *route.Route) route.Match {
	metric := r.Metric
	proto := r.Proto
	rtType := r.RtType
	return route.Match{
		Family:   r.Family,
		Dest:     &r.Dest,
		NextHops: r.NextHops,
		Metric:   metric,
		Proto:    &proto,
		RtType:   &rtType,
	}
}

// GetExact returns the route stored for exactly this destination, or
// nil if none is stored.
func (t *TCAM) GetExact(dest netip.Prefix) *route.Route {
	inner, ok := t.destsByLen[dest.Bits()]
	if !ok {
		return nil
	}
	return inner[dest]
}

// LongestMatch returns the route whose destination network is the
// longest prefix containing dest, or nil if none matches. See spec
// §4.2 for the algorithm.
func (t *TCAM) LongestMatch(dest netip.Prefix) *route.Route {
	if _, err := route.FamilyOf(dest.Addr()); err != nil {
		return nil
	}
	maxLen := dest.Bits()

	var lens []int
	for l := range t.destsByLen {
		if l <= maxLen {
			lens = append(lens, l)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lens)))

	addr := dest.Addr()
	for _, l := range lens {
		network := netip.PrefixFrom(addr, l).Masked()
		if r, ok := t.destsByLen[l][network]; ok {
			return r
		}
	}
	return nil
}

// All returns every stored route across all prefix lengths, in no
// particular order.
func (t *TCAM) All() []*route.Route {
	var out []*route.Route
	for _, inner := range t.destsByLen {
		for _, r := range inner {
			out = append(out, r)
		}
	}
	return out
}
