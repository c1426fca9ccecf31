// Package process implements the process module (spec §4.8): running-
// process checks (basename/cmdline/user filters) and the execute action
// (child-process spawn with uid drop, timeout, and output capture).
package process

import (
	"fmt"
	"log/slog"
	"os/user"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/israel-lugo/netforeman/internal/config"
	"github.com/israel-lugo/netforeman/internal/moduleapi"
)

// PasswdEntry is a resolved user identity: a numeric uid/gid plus the
// login name it was resolved from (or given as).
type PasswdEntry struct {
	Username string
	Uid      uint32
	Gid      uint32
}

// resolveUser accepts either a numeric uid or a login name and resolves
// it to a PasswdEntry via the host's NSS/passwd database.
func resolveUser(s string) (PasswdEntry, error) {
	var u *user.User
	var err error
	if _, aerr := strconv.Atoi(s); aerr == nil {
		u, err = user.LookupId(s)
	} else {
		u, err = user.Lookup(s)
	}
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("process: unknown user %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("process: user %q has non-numeric uid %q", s, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return PasswdEntry{}, fmt.Errorf("process: user %q has non-numeric gid %q", s, u.Gid)
	}
	return PasswdEntry{Username: u.Username, Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// rawProcessCheck is the TOML shape of one process_checks entry.
// cmdline accepts either a bare string (whitespace-split) or a list of
// strings (spec §4.8's "parsing helpers").
type rawProcessCheck struct {
	Basename string           `toml:"basename"`
	Cmdline  interface{}      `toml:"cmdline"`
	User     string           `toml:"user"`
	OnError  []toml.Primitive `toml:"on_error"`
}

type rawSettings struct {
	ProcessChecks []rawProcessCheck `toml:"process_checks"`
}

// ProcessCheck is a parsed, runtime-ready process check.
type ProcessCheck struct {
	Basename string
	Cmdline  []string
	HasUser  bool
	User     PasswdEntry
	OnError  moduleapi.ActionListSettings
}

// parseCmdline decodes a cmdline field that may be absent, a bare
// string (whitespace-split), or a TOML array of strings (spec §4.8's
// "parsing helpers"). raw comes straight from the already-decoded
// settings tree, so it is one of nil, string, or []interface{}.
func parseCmdline(raw interface{}, path string) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return strings.Fields(v), nil
	case []interface{}:
		if len(v) == 0 {
			return nil, nil
		}
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, &config.ConfigError{Path: path, Msg: fmt.Sprintf("cmdline element %v is not a string", e)}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &config.ConfigError{Path: path, Msg: "cmdline must be a string or a list of strings"}
	}
}

func parseSettings(moduleName string, prim toml.Primitive, cfg *config.Configurator) (*parsedSettings, error) {
	var raw rawSettings
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: moduleName, Msg: err.Error()}
	}

	out := &parsedSettings{}
	for i, rc := range raw.ProcessChecks {
		path := fmt.Sprintf("%s.process_checks[%d]", moduleName, i)
		if rc.Basename == "" {
			return nil, &config.ConfigError{Path: path, Msg: "missing required field \"basename\""}
		}

		cmdline, err := parseCmdline(rc.Cmdline, path+".cmdline")
		if err != nil {
			return nil, err
		}

		var pw PasswdEntry
		hasUser := rc.User != ""
		if hasUser {
			pw, err = resolveUser(rc.User)
			if err != nil {
				return nil, &config.ConfigError{Path: path + ".user", Msg: err.Error()}
			}
		}

		onError, err := moduleapi.ParseActionList(path+".on_error", rc.OnError, cfg)
		if err != nil {
			return nil, err
		}

		out.checks = append(out.checks, ProcessCheck{
			Basename: rc.Basename,
			Cmdline:  cmdline,
			HasUser:  hasUser,
			User:     pw,
			OnError:  onError,
		})
	}
	return out, nil
}

type parsedSettings struct {
	checks []ProcessCheck
}

// RegisterModule returns a config.ModuleFactory for the process module.
func RegisterModule(moduleName string) config.ModuleFactory {
	return config.ModuleFactory{
		NewSettings: func(prim toml.Primitive, cfg *config.Configurator) (interface{}, error) {
			return parseSettings(moduleName, prim, cfg)
		},
		New: func(name string, settings interface{}) (config.ModuleAPI, error) {
			s := settings.(*parsedSettings)
			return &API{
				name:   name,
				checks: s.checks,
				logger: slog.Default().With("module", "netforeman."+name),
			}, nil
		},
		Actions: map[string]config.ActionFactory{
			"execute": {
				NewSettings: parseExecuteSettings,
				New: func(api config.ModuleAPI, settings config.ActionSettings) config.Action {
					return executeAction{api: api.(*API), settings: settings.(*executeSettings)}
				},
			},
		},
	}
}

// procSnapshot is a minimal, already-decoded view of one running
// process: just what doProcessCheck's filters need.
type procSnapshot struct {
	Basename string
	Cmdline  []string
	Username string
}

// listProcesses scans the process table via gopsutil, the Go-ecosystem
// analogue of Python's psutil.process_iter().
func listProcesses() ([]procSnapshot, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, fmt.Errorf("process: scanning process table: %w", err)
	}
	out := make([]procSnapshot, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process exited mid-scan or is inaccessible; skip it
		}
		cmdline, err := p.CmdlineSlice()
		if err != nil {
			cmdline = nil
		}
		username, err := p.Username()
		if err != nil {
			username = ""
		}
		out = append(out, procSnapshot{Basename: name, Cmdline: cmdline, Username: username})
	}
	return out, nil
}

// API is the module instance: the parsed process checks to run.
type API struct {
	name   string
	checks []ProcessCheck
	logger *slog.Logger
}

func (a *API) Name() string { return a.name }

func (a *API) Run(dispatch config.ActionExecutor) (config.ModuleRunStatus, error) {
	procs, err := listProcesses()
	if err != nil {
		return config.StatusUnknownError, err
	}

	aggregate := config.StatusOK
	for _, pc := range a.checks {
		aggregate = config.MaxStatus(aggregate, a.doProcessCheck(pc, procs, dispatch))
	}
	return aggregate, nil
}

// doProcessCheck implements spec §4.8's ordered, short-circuiting
// filter algorithm: basename, then (if set) cmdline, then (if set) user.
func (a *API) doProcessCheck(pc ProcessCheck, procs []procSnapshot, dispatch config.ActionExecutor) config.ModuleRunStatus {
	var failMsg string

	candidates := filterBasename(procs, pc.Basename)
	switch {
	case len(candidates) == 0:
		failMsg = fmt.Sprintf("process_check %q failed: no match for basename", pc.Basename)
	case pc.Cmdline != nil:
		candidates = filterCmdline(candidates, pc.Cmdline)
		if len(candidates) == 0 {
			failMsg = fmt.Sprintf("process_check %q failed: no match for cmdline", pc.Basename)
		}
	}
	if failMsg == "" && pc.HasUser {
		candidates = filterUser(candidates, pc.User.Username)
		if len(candidates) == 0 {
			failMsg = fmt.Sprintf("process_check %q failed: no match for user", pc.Basename)
		}
	}
	if failMsg == "" {
		return config.StatusOK
	}

	a.logger.Warn(failMsg)
	ctx := config.ActionContext{CallingModule: a.name, Dispatch: dispatch, Message: failMsg}
	list := moduleapi.ActionList{Settings: pc.OnError, Logger: a.logger}
	if list.Run(ctx) {
		return config.StatusCheckFailed
	}
	return config.StatusActionError
}

func filterBasename(procs []procSnapshot, basename string) []procSnapshot {
	var out []procSnapshot
	for _, p := range procs {
		if p.Basename == basename {
			out = append(out, p)
		}
	}
	return out
}

func filterCmdline(procs []procSnapshot, cmdline []string) []procSnapshot {
	var out []procSnapshot
	for _, p := range procs {
		if cmdlineEqual(p.Cmdline, cmdline) {
			out = append(out, p)
		}
	}
	return out
}

func cmdlineEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func filterUser(procs []procSnapshot, username string) []procSnapshot {
	var out []procSnapshot
	for _, p := range procs {
		if p.Username == username {
			out = append(out, p)
		}
	}
	return out
}
