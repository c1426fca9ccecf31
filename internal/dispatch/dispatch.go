// Package dispatch implements the NetForeman run loop: loading modules
// through a Configurator, invoking each module's Run in declaration
// order, and resolving+executing actions on their behalf (spec §4.5,
// §4.6).
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/israel-lugo/netforeman/internal/config"
)

// DispatchError aggregates the ConfigErrors raised while loading
// modules. It is fatal: the Dispatcher does not proceed to the run
// phase if loading failed.
type DispatchError struct {
	cause error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: failed to load modules: %v", e.cause)
}

func (e *DispatchError) Unwrap() error { return e.cause }

// Dispatch owns the Configurator exclusively and drives the run loop.
type Dispatch struct {
	Config *config.Configurator
	Logger *slog.Logger
}

var _ config.ActionExecutor = (*Dispatch)(nil)

// New parses filename and loads its modules against registry. It
// returns a *DispatchError if any module failed to load.
func New(filename string, registry config.Registry, logger *slog.Logger) (*Dispatch, error) {
	cfg, err := config.NewConfigurator(filename, registry)
	if err != nil {
		return nil, &DispatchError{cause: err}
	}

	d := &Dispatch{Config: cfg, Logger: logger}

	if err := cfg.LoadModules(func(name string) {
		logger.Warn("duplicate module name, skipping", "module", name)
	}); err != nil {
		return nil, &DispatchError{cause: err}
	}

	return d, nil
}

// Run invokes every loaded module's Run in declaration order and folds
// the results with max into the aggregate ModuleRunStatus.
func (d *Dispatch) Run() config.ModuleRunStatus {
	aggregate := config.StatusOK
	for _, name := range d.Config.ModuleNames() {
		api := d.Config.Module(name)
		status, err := api.Run(d)
		if err != nil {
			d.Logger.Error("module run failed", "module", name, "error", err)
			status = config.MaxStatus(status, config.StatusUnknownError)
		}
		aggregate = config.MaxStatus(aggregate, status)
	}
	return aggregate
}

// ExecuteAction resolves settings.ActionName() to its action class and
// (now-required) owning API instance, constructs the action, and
// executes it.
func (d *Dispatch) ExecuteAction(settings config.ActionSettings, ctx config.ActionContext) error {
	factory, api, err := d.Config.ResolveAction(settings.ActionName())
	if err != nil {
		return err
	}
	if api == nil {
		return fmt.Errorf("dispatch: module for action %q is not instantiated", settings.ActionName())
	}
	action := factory.New(api, settings)
	return action.Execute(ctx)
}
