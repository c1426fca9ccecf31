// Package moduleapi implements the action runtime shared by every
// module: parsing a declared list of actions into ActionListSettings,
// and running that list with non-short-circuiting error aggregation
// (spec §4.6).
package moduleapi

import (
	"log/slog"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
)

// actionHead is decoded first from each action's table so its absolute
// name can resolve to a factory (spec §4.5); the remaining fields are
// then decoded again, by the resolved factory, against the same
// primitive.
type actionHead struct {
	Action string `toml:"action"`
}

// ActionListSettings is a parsed, ordered list of action settings.
type ActionListSettings []config.ActionSettings

// ParseActionList decodes each table in prims as one action entry:
// an "action" key naming the absolute module.action target, plus
// whatever fields that action's own settings type expects. Resolution
// happens through cfg.ResolveAction so an action may target a sibling
// module still being configured (spec §4.5's forward-reference case).
func ParseActionList(path string, prims []toml.Primitive, cfg *config.Configurator) (ActionListSettings, error) {
	out := make(ActionListSettings, 0, len(prims))
	for _, prim := range prims {
		var head actionHead
		if err := cfg.DecodePrimitive(prim, &head); err != nil {
			return nil, &config.ConfigError{Path: path, Msg: err.Error()}
		}
		if head.Action == "" {
			return nil, &config.ConfigError{Path: path, Msg: "entry missing required field \"action\""}
		}

		factory, _, err := cfg.ResolveAction(head.Action)
		if err != nil {
			return nil, err
		}

		settings, err := factory.NewSettings(prim, cfg, head.Action)
		if err != nil {
			return nil, err
		}
		out = append(out, settings)
	}
	return out, nil
}

// ActionList runs a parsed ActionListSettings in declared order.
// Actions never short-circuit each other: every entry is attempted,
// failures are logged and counted, and Run reports whether all of them
// succeeded.
type ActionList struct {
	Settings ActionListSettings
	Logger   *slog.Logger
}

// Run executes every action in order. It returns true iff every action
// completed without error.
func (l ActionList) Run(ctx config.ActionContext) bool {
	allOK := true
	for _, settings := range l.Settings {
		if err := ctx.Dispatch.ExecuteAction(settings, ctx); err != nil {
			l.Logger.Error("action failed", "action", settings.ActionName(), "error", err)
			allOK = false
		}
	}
	return allOK
}
