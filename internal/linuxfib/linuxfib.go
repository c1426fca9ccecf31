// Package linuxfib is the Linux concrete binding of fibiface.FIBInterface,
// speaking rtnetlink against the kernel's main routing table (254). See
// spec §4.4 for the decode/encode algorithms and the getRouteTo recovery
// path this package implements.
package linuxfib

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/israel-lugo/netforeman/internal/fibiface"
	"github.com/israel-lugo/netforeman/internal/route"
	"github.com/israel-lugo/netforeman/internal/rttable"
)

const mainTable = unix.RT_TABLE_MAIN

// nlTypeToRouteType maps the netlink numeric route type to route.RouteType.
var nlTypeToRouteType = map[uint8]route.RouteType{
	unix.RTN_UNSPEC:      route.RTUnspec,
	unix.RTN_UNICAST:     route.RTUnicast,
	unix.RTN_LOCAL:       route.RTLocal,
	unix.RTN_BROADCAST:   route.RTBroadcast,
	unix.RTN_ANYCAST:     route.RTAnycast,
	unix.RTN_MULTICAST:   route.RTMulticast,
	unix.RTN_BLACKHOLE:   route.RTBlackhole,
	unix.RTN_UNREACHABLE: route.RTUnreachable,
	unix.RTN_PROHIBIT:    route.RTProhibit,
	unix.RTN_THROW:       route.RTThrow,
	unix.RTN_NAT:         route.RTNat,
	unix.RTN_XRESOLVE:    route.RTXresolve,
}

var routeTypeToNL = func() map[route.RouteType]uint8 {
	m := make(map[route.RouteType]uint8, len(nlTypeToRouteType))
	for nl, rt := range nlTypeToRouteType {
		m[rt] = nl
	}
	return m
}()

// protoNames maps the handful of well-known routing protocol numbers
// NetForeman cares about; anything else is rendered/parsed numerically.
var protoNames = map[uint8]string{
	unix.RTPROT_UNSPEC: "none",
	unix.RTPROT_REDIRECT: "redirect",
	unix.RTPROT_KERNEL:  "kernel",
	unix.RTPROT_BOOT:    "boot",
	unix.RTPROT_STATIC:  "static",
	unix.RTPROT_DHCP:    "dhcp",
}

var namesToProto = func() map[string]uint8 {
	m := make(map[string]uint8, len(protoNames))
	for n, name := range protoNames {
		m[name] = n
	}
	return m
}()

func protoToName(p uint8) string {
	if name, ok := protoNames[p]; ok {
		return name
	}
	return fmt.Sprintf("%d", p)
}

func nameToProto(name string) uint8 {
	if p, ok := namesToProto[name]; ok {
		return p
	}
	if p, err := strconv.ParseUint(name, 10, 8); err == nil {
		return uint8(p)
	}
	return unix.RTPROT_STATIC
}

// LinuxFIB binds fibiface.FIBInterface to the kernel's main routing
// table over rtnetlink. It holds a single netlink socket for its
// lifetime (spec §5); it is not safe for concurrent use from more
// than one goroutine.
type LinuxFIB struct {
	conn *rtnetlink.Conn
}

var _ fibiface.FIBInterface = (*LinuxFIB)(nil)

// New dials the rtnetlink socket used for the remainder of the
// process's lifetime.
func New() (*LinuxFIB, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("linuxfib: dialing rtnetlink: %w", err)
	}
	return &LinuxFIB{conn: conn}, nil
}

// Close releases the underlying netlink socket.
func (f *LinuxFIB) Close() error {
	return f.conn.Close()
}

func familyToNL(family route.AddressFamily) uint8 {
	if family == route.Inet6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func nlToFamily(af uint8) (route.AddressFamily, error) {
	switch af {
	case unix.AF_INET:
		return route.Inet4, nil
	case unix.AF_INET6:
		return route.Inet6, nil
	default:
		return 0, fmt.Errorf("linuxfib: unsupported address family %d", af)
	}
}

// GetRoutes returns every main-table route of the given family. IPv6
// ECMP is surfaced by the kernel as separate single-next-hop messages
// sharing the same destination; these are collapsed into one multipath
// route via rttable.RoutingTable before returning (spec §3, §4.4).
func (f *LinuxFIB) GetRoutes(family route.AddressFamily) ([]*route.Route, error) {
	msgs, err := f.conn.Route.List()
	if err != nil {
		return nil, fmt.Errorf("linuxfib: listing routes: %w", err)
	}
	want := familyToNL(family)
	var decoded []*route.Route
	for _, m := range msgs {
		if m.Family != want || m.Table != mainTable {
			continue
		}
		r, err := decodeRoute(m, family)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, r)
	}
	return rttable.NewRoutingTable(decoded).Routes(), nil
}

// AddRoute installs r, failing if a conflicting route already exists.
func (f *LinuxFIB) AddRoute(r *route.Route) error {
	msg, err := encodeRoute(r)
	if err != nil {
		return err
	}
	if err := f.conn.Route.Add(msg); err != nil {
		return fibiface.NewFIBError("adding route "+r.String(), err)
	}
	return nil
}

// ChangeRoute updates the existing route matching r's destination.
func (f *LinuxFIB) ChangeRoute(r *route.Route) error {
	msg, err := encodeRoute(r)
	if err != nil {
		return err
	}
	// RTM_NEWROUTE with Replace but without Create: the kernel refuses
	// the request when no route to r's destination exists.
	flags := netlink.Request | netlink.Replace | netlink.Acknowledge
	if _, err := f.conn.Execute(msg, unix.RTM_NEWROUTE, flags); err != nil {
		return fibiface.NewFIBError("changing route "+r.String(), err)
	}
	return nil
}

// DeleteRoute removes the route matching r's destination.
func (f *LinuxFIB) DeleteRoute(r *route.Route) error {
	msg, err := encodeRoute(r)
	if err != nil {
		return err
	}
	if err := f.conn.Route.Delete(msg); err != nil {
		return fibiface.NewFIBError("deleting route "+r.String(), err)
	}
	return nil
}

// ReplaceRoute installs r, upserting.
func (f *LinuxFIB) ReplaceRoute(r *route.Route) error {
	msg, err := encodeRoute(r)
	if err != nil {
		return err
	}
	if err := f.conn.Route.Replace(msg); err != nil {
		return fibiface.NewFIBError("replacing route "+r.String(), err)
	}
	return nil
}

// GetDefaultRoutes returns every default route (destLen == 0) for family.
func (f *LinuxFIB) GetDefaultRoutes(family route.AddressFamily) ([]*route.Route, error) {
	all, err := f.GetRoutes(family)
	if err != nil {
		return nil, err
	}
	var out []*route.Route
	for _, r := range all {
		if r.DestLen == 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// unreachableErrnos are the netlink "route get" error codes that mean
// the kernel is refusing to resolve an unreachable, blackhole, or
// prohibited route rather than reporting an actual transport failure
// (spec §4.4).
var unreachableErrnos = map[unix.Errno]bool{
	unix.ENETUNREACH: true,
	unix.EHOSTUNREACH: true,
	unix.EACCES:       true,
	unix.EINVAL:       true,
}

func asErrno(err error) (unix.Errno, bool) {
	var opErr *netlink.OpError
	if errors.As(err, &opErr) {
		err = opErr.Err
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// GetRouteTo implements the delicate lookup path from spec §4.4:
// default-route destinations can't use "route get" at all, and kernel
// refusals for unreachable/blackhole/prohibited routes must be
// recovered via a user-space scan rather than treated as failures.
func (f *LinuxFIB) GetRouteTo(rm route.Match) (*route.Route, error) {
	dest := rm.Dest
	isDefault := dest == nil || dest.Bits() == 0
	if isDefault {
		defaults, err := f.GetDefaultRoutes(rm.Family)
		if err != nil {
			return nil, err
		}
		if len(defaults) == 0 {
			return nil, fibiface.NewFIBError("no default routes for "+rm.Family.String(), nil)
		}
		return defaults[0], nil
	}

	destAddr := dest.Addr()
	msg := &rtnetlink.RouteMessage{
		Family: familyToNL(rm.Family),
		Table:  mainTable,
		Attributes: rtnetlink.RouteAttributes{
			Dst: destAddr.AsSlice(),
		},
	}
	replies, err := f.conn.Route.Get(msg)
	if err != nil {
		if errno, ok := asErrno(err); ok && unreachableErrnos[errno] {
			matches, merr := f.matchingRoutesTo(destAddr)
			if merr != nil {
				return nil, merr
			}
			if len(matches) == 0 {
				return nil, fibiface.NewFIBError("no route exists to "+destAddr.String(), nil)
			}
			return matches[0], nil
		}
		return nil, fibiface.NewFIBError("getting route to "+destAddr.String(), err)
	}
	if len(replies) == 0 {
		return nil, nil
	}
	return decodeRoute(replies[0], rm.Family)
}

// matchingRoutesTo performs the user-space scan used to recover a
// route lookup the kernel refused to resolve (spec §4.4): every route
// whose network contains dest, sorted by prefix length descending (the
// default route, if present, sorts last).
func (f *LinuxFIB) matchingRoutesTo(dest netip.Addr) ([]*route.Route, error) {
	family, err := route.FamilyOf(dest)
	if err != nil {
		return nil, err
	}
	all, err := f.GetRoutes(family)
	if err != nil {
		return nil, err
	}
	var out []*route.Route
	for _, r := range all {
		if r.DestLen == 0 || r.Dest.Contains(dest) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DestLen > out[j].DestLen
	})
	return out, nil
}

// decodeRoute turns a netlink route message into a route.Route,
// per spec §4.4.
func decodeRoute(m rtnetlink.RouteMessage, family route.AddressFamily) (*route.Route, error) {
	msgFamily, err := nlToFamily(m.Family)
	if err != nil {
		return nil, err
	}
	if msgFamily != family {
		return nil, fmt.Errorf("linuxfib: kernel family %v does not match requested family %v", msgFamily, family)
	}

	var dest netip.Prefix
	if m.DstLength == 0 {
		dest = route.DefaultNetwork(family)
	} else {
		addr, ok := netip.AddrFromSlice(m.Attributes.Dst)
		if !ok {
			return nil, fmt.Errorf("linuxfib: invalid RTA_DST %v", m.Attributes.Dst)
		}
		dest = netip.PrefixFrom(addr, int(m.DstLength))
	}

	var nexthops []route.NextHop
	if len(m.Attributes.MultiPath) > 0 {
		for _, nh := range m.Attributes.MultiPath {
			nexthops = append(nexthops, decodeNextHop(nh.Gateway, int(nh.Hop.IfIndex)))
		}
	} else {
		nexthops = []route.NextHop{decodeNextHop(m.Attributes.Gateway, int(m.Attributes.OutIface))}
	}

	var metric *int
	if m.Attributes.Priority != 0 {
		v := int(m.Attributes.Priority)
		metric = &v
	}

	rtType, ok := nlTypeToRouteType[m.Type]
	if !ok {
		rtType = route.RTUnspec
	}

	return route.NewRoute(family, dest, int(m.DstLength), nexthops, metric, protoToName(m.Protocol), rtType)
}

// decodeNextHop infers next-hop kind from gateway presence (spec §4.4):
// a nil gateway means connected; NHLocal is reserved and never emitted.
func decodeNextHop(gw net.IP, ifIndex int) route.NextHop {
	nh := route.NextHop{Kind: route.NHConnected}
	if len(gw) > 0 {
		if addr, ok := netip.AddrFromSlice(gw); ok {
			nh.Gateway = &addr
			nh.Kind = route.NHVia
		}
	}
	if ifIndex > 0 {
		if iface, err := net.InterfaceByIndex(ifIndex); err == nil {
			name := iface.Name
			nh.Ifname = &name
		}
	}
	return nh
}

// encodeRoute turns a route.Route into a netlink route message,
// including only non-nil fields (spec §4.4). Interface names are
// resolved to indices via a link lookup.
func encodeRoute(r *route.Route) (*rtnetlink.RouteMessage, error) {
	msg := &rtnetlink.RouteMessage{
		Family:    familyToNL(r.Family),
		DstLength: uint8(r.DestLen),
		Table:     mainTable,
		Protocol:  nameToProto(r.Proto),
		Scope:     unix.RT_SCOPE_UNIVERSE,
		Type:      routeTypeToNL[r.RtType],
	}
	if r.DestLen > 0 {
		msg.Attributes.Dst = r.Dest.Addr().AsSlice()
	}
	if r.Metric != nil {
		msg.Attributes.Priority = uint32(*r.Metric)
	}

	if len(r.NextHops) == 0 {
		return nil, fmt.Errorf("linuxfib: route %v has no nexthops to encode", r.Dest)
	}
	if !r.Multipath() {
		nh := r.NextHops[0]
		if nh.Gateway != nil {
			msg.Attributes.Gateway = nh.Gateway.AsSlice()
		}
		if nh.Ifname != nil {
			idx, err := ifnameToIndex(*nh.Ifname)
			if err != nil {
				return nil, err
			}
			msg.Attributes.OutIface = idx
		}
		return msg, nil
	}

	for _, nh := range r.NextHops {
		rtnh := rtnetlink.NextHop{}
		if nh.Gateway != nil {
			rtnh.Gateway = nh.Gateway.AsSlice()
		}
		if nh.Ifname != nil {
			idx, err := ifnameToIndex(*nh.Ifname)
			if err != nil {
				return nil, err
			}
			rtnh.Hop.IfIndex = idx
		}
		msg.Attributes.MultiPath = append(msg.Attributes.MultiPath, rtnh)
	}
	return msg, nil
}

func ifnameToIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("linuxfib: resolving interface %q: %w", name, err)
	}
	return uint32(iface.Index), nil
}
