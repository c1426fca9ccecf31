package dispatch

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
)

type checkerSettings struct {
	OnError []toml.Primitive `toml:"on_error"`
	cfg     *config.Configurator
}

type checkerAPI struct {
	name    string
	onError []toml.Primitive
	cfg     *config.Configurator
}

func (a *checkerAPI) Name() string { return a.name }

func (a *checkerAPI) Run(dispatch config.ActionExecutor) (config.ModuleRunStatus, error) {
	ctx := config.ActionContext{CallingModule: a.name, Dispatch: dispatch, Message: "check failed"}
	for _, prim := range a.onError {
		var head struct {
			Action string `toml:"action"`
		}
		if err := a.cfg.DecodePrimitive(prim, &head); err != nil {
			return config.StatusUnknownError, err
		}
		settings := &noopSettings{name: head.Action}
		if err := dispatch.ExecuteAction(settings, ctx); err != nil {
			return config.StatusActionError, nil
		}
	}
	return config.StatusCheckFailed, nil
}

type noopSettings struct{ name string }

func (s *noopSettings) ActionName() string { return s.name }

type noopAction struct{ ran *bool }

func (a noopAction) Execute(ctx config.ActionContext) error {
	if a.ran != nil {
		*a.ran = true
	}
	return nil
}

func checkerRegistry(ran *bool) config.Registry {
	return config.Registry{
		"checker": config.ModuleFactory{
			NewSettings: func(prim toml.Primitive, cfg *config.Configurator) (interface{}, error) {
				var s checkerSettings
				if err := cfg.DecodePrimitive(prim, &s); err != nil {
					return nil, &config.ConfigError{Path: "checker", Msg: err.Error()}
				}
				// Resolve each on_error action at load, as moduleapi.ParseActionList does.
				for _, p := range s.OnError {
					var head struct {
						Action string `toml:"action"`
					}
					if err := cfg.DecodePrimitive(p, &head); err != nil {
						return nil, &config.ConfigError{Path: "checker.on_error", Msg: err.Error()}
					}
					if _, _, err := cfg.ResolveAction(head.Action); err != nil {
						return nil, err
					}
				}
				s.cfg = cfg
				return &s, nil
			},
			// New is assigned by buildRegistry.
		},
		"email": config.ModuleFactory{
			NewSettings: func(prim toml.Primitive, cfg *config.Configurator) (interface{}, error) {
				return struct{}{}, nil
			},
			New: func(name string, settings interface{}) (config.ModuleAPI, error) {
				return &emailAPI{}, nil
			},
			Actions: map[string]config.ActionFactory{
				"sendmail": {
					NewSettings: func(prim toml.Primitive, cfg *config.Configurator, actionName string) (config.ActionSettings, error) {
						return &noopSettings{name: actionName}, nil
					},
					New: func(api config.ModuleAPI, settings config.ActionSettings) config.Action {
						return noopAction{ran: ran}
					},
				},
			},
		},
	}
}

type emailAPI struct{}

func (emailAPI) Name() string { return "email" }
func (emailAPI) Run(dispatch config.ActionExecutor) (config.ModuleRunStatus, error) {
	return config.StatusOK, nil
}

func buildRegistry(ran *bool) config.Registry {
	reg := checkerRegistry(ran)
	checker := reg["checker"]
	checker.New = func(name string, settings interface{}) (config.ModuleAPI, error) {
		s := settings.(*checkerSettings)
		return &checkerAPI{name: name, onError: s.OnError, cfg: s.cfg}, nil
	}
	reg["checker"] = checker
	return reg
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "netforeman.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

// TestMissingReferencedModuleFailsLoad is end-to-end scenario 1 from
// spec §8: a check references an action in a module that the "modules"
// list never declares, so loading fails before any check runs.
func TestMissingReferencedModuleFailsLoad(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
modules = ["checker"]

[checker]
on_error = [ { action = "email.sendmail" } ]
`)
	var ran bool
	d, err := New(path, buildRegistry(&ran), testLogger())
	if err == nil {
		t.Fatalf("New() succeeded, want a DispatchError (email module never declared)")
	}
	if d != nil {
		t.Errorf("New() returned a non-nil Dispatch alongside the error")
	}
}

func TestRunExecutesOnErrorAction(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
modules = ["checker", "email"]

[checker]
on_error = [ { action = "email.sendmail" } ]

[email]
`)
	var ran bool
	d, err := New(path, buildRegistry(&ran), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	status := d.Run()
	if status != config.StatusCheckFailed {
		t.Errorf("Run() = %v, want check_failed", status)
	}
	if !ran {
		t.Errorf("on_error action did not run")
	}
}
