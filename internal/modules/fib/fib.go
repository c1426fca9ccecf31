// Package fib implements the FIB module (spec §4.7): declarative route
// checks against a fibiface.FIBInterface, and the add_route/replace_route
// actions. The module is binding-agnostic; cmd/netforeman wires it to
// internal/linuxfib under the name "fib_linux".
package fib

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
	"github.com/israel-lugo/netforeman/internal/fibiface"
	"github.com/israel-lugo/netforeman/internal/moduleapi"
	"github.com/israel-lugo/netforeman/internal/route"
)

// NewBinding constructs the fibiface.FIBInterface a module instance
// should use; internal/linuxfib.New has this shape.
type NewBinding func() (fibiface.FIBInterface, error)

// RegisterModule returns a config.ModuleFactory for the FIB module,
// bound to whatever FIBInterface newBinding constructs. moduleName
// prefixes the paths reported in configuration errors.
func RegisterModule(moduleName string, newBinding NewBinding) config.ModuleFactory {
	return config.ModuleFactory{
		NewSettings: func(prim toml.Primitive, cfg *config.Configurator) (interface{}, error) {
			return parseSettings(moduleName, prim, cfg)
		},
		New: func(name string, settings interface{}) (config.ModuleAPI, error) {
			s := settings.(*parsedSettings)
			fib, err := newBinding()
			if err != nil {
				return nil, fmt.Errorf("fib: %s: %w", name, err)
			}
			return &API{
				name:   name,
				fib:    fib,
				checks: s.checks,
				logger: slog.Default().With("module", "netforeman."+name),
			}, nil
		},
		Actions: map[string]config.ActionFactory{
			"add_route":     mutatorActionFactory(fibiface.FIBInterface.AddRoute),
			"replace_route": mutatorActionFactory(fibiface.FIBInterface.ReplaceRoute),
		},
	}
}

// rawRouteCheck is the TOML shape of one route_checks entry.
type rawRouteCheck struct {
	Dest        string           `toml:"dest"`
	NonNull     bool             `toml:"non_null"`
	NexthopsAny []string         `toml:"nexthops_any"`
	OnError     []toml.Primitive `toml:"on_error"`
}

type rawSettings struct {
	RouteChecks []rawRouteCheck `toml:"route_checks"`
}

// RouteCheck is a parsed, runtime-ready route check.
type RouteCheck struct {
	Dest        netip.Prefix
	Family      route.AddressFamily
	NonNull     bool
	NexthopsAny []netip.Addr
	OnError     moduleapi.ActionListSettings
}

type parsedSettings struct {
	checks []RouteCheck
}

func parseSettings(moduleName string, prim toml.Primitive, cfg *config.Configurator) (*parsedSettings, error) {
	var raw rawSettings
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: moduleName, Msg: err.Error()}
	}

	out := &parsedSettings{}
	for i, rc := range raw.RouteChecks {
		path := fmt.Sprintf("%s.route_checks[%d]", moduleName, i)
		if rc.Dest == "" {
			return nil, &config.ConfigError{Path: path, Msg: "missing required field \"dest\""}
		}
		dest, err := netip.ParsePrefix(rc.Dest)
		if err != nil {
			// Bare addresses are host routes: prefix length == bit width.
			addr, aerr := netip.ParseAddr(rc.Dest)
			if aerr != nil {
				return nil, &config.ConfigError{Path: path, Msg: fmt.Sprintf("invalid dest %q: %v", rc.Dest, err)}
			}
			dest = netip.PrefixFrom(addr, addr.BitLen())
		}
		family, err := route.FamilyOf(dest.Addr())
		if err != nil {
			return nil, &config.ConfigError{Path: path, Msg: err.Error()}
		}

		nonNull := rc.NonNull
		var nexthopsAny []netip.Addr
		for _, s := range rc.NexthopsAny {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, &config.ConfigError{Path: path + ".nexthops_any", Msg: fmt.Sprintf("invalid address %q: %v", s, err)}
			}
			nexthopsAny = append(nexthopsAny, addr)
		}
		// nexthops_any non-empty forces non_null true (spec §4.7).
		if len(nexthopsAny) > 0 {
			nonNull = true
		}

		onError, err := moduleapi.ParseActionList(path+".on_error", rc.OnError, cfg)
		if err != nil {
			return nil, err
		}

		out.checks = append(out.checks, RouteCheck{
			Dest:        dest,
			Family:      family,
			NonNull:     nonNull,
			NexthopsAny: nexthopsAny,
			OnError:     onError,
		})
	}
	return out, nil
}

// API is the module instance: a bound fibiface.FIBInterface and the
// parsed route checks to run against it.
type API struct {
	name   string
	fib    fibiface.FIBInterface
	checks []RouteCheck
	logger *slog.Logger
}

func (a *API) Name() string { return a.name }

// Run evaluates every route check in declared order, folding each
// sub-status into the aggregate with max (spec §4.7).
func (a *API) Run(dispatch config.ActionExecutor) (config.ModuleRunStatus, error) {
	aggregate := config.StatusOK
	for _, rc := range a.checks {
		aggregate = config.MaxStatus(aggregate, a.doRouteCheck(rc, dispatch))
	}
	return aggregate, nil
}

// doRouteCheck implements spec §4.7's ordered, short-circuiting
// algorithm: not-found, then non-null, then nexthops_any membership.
func (a *API) doRouteCheck(rc RouteCheck, dispatch config.ActionExecutor) config.ModuleRunStatus {
	m := route.Match{Family: rc.Family, Dest: &rc.Dest}
	r, err := a.fib.GetRouteTo(m)

	var failMsg string
	switch {
	case err != nil || r == nil:
		failMsg = fmt.Sprintf("route_check to %v failed: not found", rc.Dest)
	case rc.NonNull && r.IsNull():
		failMsg = fmt.Sprintf("route_check to %v failed: %v, should be non-null", rc.Dest, r.RtType)
	case len(rc.NexthopsAny) > 0 && !anyGatewayIn(r, rc.NexthopsAny):
		failMsg = fmt.Sprintf("route_check to %v failed: via %s, not in %s", rc.Dest, gatewaysOf(r), addrsToString(rc.NexthopsAny))
	default:
		return config.StatusOK
	}

	a.logger.Warn(failMsg)
	ctx := config.ActionContext{CallingModule: a.name, Dispatch: dispatch, Message: failMsg}
	list := moduleapi.ActionList{Settings: rc.OnError, Logger: a.logger}
	if list.Run(ctx) {
		return config.StatusCheckFailed
	}
	return config.StatusActionError
}

func anyGatewayIn(r *route.Route, candidates []netip.Addr) bool {
	for _, nh := range r.NextHops {
		if nh.Gateway == nil {
			continue
		}
		for _, c := range candidates {
			if *nh.Gateway == c {
				return true
			}
		}
	}
	return false
}

func gatewaysOf(r *route.Route) string {
	var gws []string
	for _, nh := range r.NextHops {
		if nh.Gateway != nil {
			gws = append(gws, nh.Gateway.String())
		}
	}
	return strings.Join(gws, ", ")
}

func addrsToString(addrs []netip.Addr) string {
	var ss []string
	for _, a := range addrs {
		ss = append(ss, a.String())
	}
	return "[" + strings.Join(ss, ", ") + "]"
}

// --- add_route / replace_route actions ---

// rawRouteAction is the shared TOML shape of add_route and replace_route.
type rawRouteAction struct {
	Dest     string   `toml:"dest"`
	Nexthops []string `toml:"nexthops"`
	Metric   int      `toml:"metric" validate:"omitempty,gte=0"`
	Proto    string   `toml:"proto"`
	RtType   string   `toml:"rt_type"`
}

type routeActionSettings struct {
	actionName string
	route      *route.Route
}

func (s *routeActionSettings) ActionName() string { return s.actionName }

var nameToRouteType = map[string]route.RouteType{
	"unspec": route.RTUnspec, "unicast": route.RTUnicast, "local": route.RTLocal,
	"broadcast": route.RTBroadcast, "anycast": route.RTAnycast, "multicast": route.RTMulticast,
	"blackhole": route.RTBlackhole, "unreachable": route.RTUnreachable, "prohibit": route.RTProhibit,
	"throw": route.RTThrow, "nat": route.RTNat, "xresolve": route.RTXresolve,
}

// parseNextHop accepts either a bare gateway address ("10.0.0.1") or a
// connected next-hop named by interface ("dev:eth0").
func parseNextHop(s string) (route.NextHop, error) {
	if ifname, ok := strings.CutPrefix(s, "dev:"); ok {
		name := ifname
		return route.NextHop{Kind: route.NHConnected, Ifname: &name}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return route.NextHop{}, fmt.Errorf("invalid nexthop %q: %w", s, err)
	}
	return route.NextHop{Kind: route.NHVia, Gateway: &addr}, nil
}

func parseRouteActionSettings(prim toml.Primitive, cfg *config.Configurator, actionName string) (config.ActionSettings, error) {
	var raw rawRouteAction
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
	}
	if err := config.ValidateStruct(actionName, &raw); err != nil {
		return nil, err
	}
	if raw.Dest == "" {
		return nil, &config.ConfigError{Path: actionName, Msg: "missing required field \"dest\""}
	}
	if len(raw.Nexthops) == 0 {
		return nil, &config.ConfigError{Path: actionName, Msg: "missing required field \"nexthops\""}
	}
	dest, err := netip.ParsePrefix(raw.Dest)
	if err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: fmt.Sprintf("invalid dest %q: %v", raw.Dest, err)}
	}
	family, err := route.FamilyOf(dest.Addr())
	if err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
	}

	var nexthops []route.NextHop
	for _, s := range raw.Nexthops {
		nh, err := parseNextHop(s)
		if err != nil {
			return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
		}
		nexthops = append(nexthops, nh)
	}

	metric := raw.Metric
	if metric == 0 {
		metric = 1024
	}
	proto := raw.Proto
	if proto == "" {
		proto = "static"
	}
	rtType := route.RTUnicast
	if raw.RtType != "" {
		t, ok := nameToRouteType[raw.RtType]
		if !ok {
			return nil, &config.ConfigError{Path: actionName, Msg: fmt.Sprintf("unknown rt_type %q", raw.RtType)}
		}
		rtType = t
	}

	r, err := route.NewRoute(family, dest, dest.Bits(), nexthops, &metric, proto, rtType)
	if err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
	}
	return &routeActionSettings{actionName: actionName, route: r}, nil
}

type routeMutatorAction struct {
	api    *API
	route  *route.Route
	mutate func(fibiface.FIBInterface, *route.Route) error
}

func (a routeMutatorAction) Execute(ctx config.ActionContext) error {
	return a.mutate(a.api.fib, a.route)
}

func mutatorActionFactory(mutate func(fibiface.FIBInterface, *route.Route) error) config.ActionFactory {
	return config.ActionFactory{
		NewSettings: parseRouteActionSettings,
		New: func(api config.ModuleAPI, settings config.ActionSettings) config.Action {
			rs := settings.(*routeActionSettings)
			return routeMutatorAction{api: api.(*API), route: rs.route, mutate: mutate}
		},
	}
}
