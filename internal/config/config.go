// Package config implements the NetForeman settings tree and module
// registry: a hierarchical, lazily-decoded TOML document, a static
// name-to-factory registry (spec §9's systems-language replacement for
// Python's dynamic import), and the two-phase module load described in
// spec §4.5.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// ConfigError reports an invalid configuration: a missing required
// field, a wrong type, an unknown module or action, or a malformed
// reference. It is fatal to the load phase.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// validate is shared across every module's settings validation; it has
// no mutable state once constructed.
var validate = validator.New()

// ValidateStruct runs struct-tag validation (github.com/go-playground/validator)
// over v, wrapping the first failure as a *ConfigError scoped to path.
// Settings factories call this after decoding to check constraints a
// bare TOML decode can't express (ranges, required-together fields,
// formats).
func ValidateStruct(path string, v interface{}) error {
	if err := validate.Struct(v); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Path: path, Msg: fmt.Sprintf("field %q failed %q validation", fe.Namespace(), fe.Tag())}
		}
		return &ConfigError{Path: path, Msg: err.Error()}
	}
	return nil
}

// ModuleRunStatus is the aggregate result of a module's Run. Exit codes
// mirror the numeric value (spec §6).
type ModuleRunStatus int

const (
	StatusOK ModuleRunStatus = iota
	StatusCheckFailed
	StatusActionError
	StatusUnknownError
)

func (s ModuleRunStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCheckFailed:
		return "check_failed"
	case StatusActionError:
		return "action_error"
	default:
		return "unknown_error"
	}
}

// MaxStatus folds two statuses into their aggregate, per the
// ModuleRunStatus ordering in spec §8 (ok < check_failed < action_error
// < unknown_error).
func MaxStatus(a, b ModuleRunStatus) ModuleRunStatus {
	if b > a {
		return b
	}
	return a
}

// ActionContext carries the originating module name, a handle back to
// whatever can resolve and execute further actions, and a human message
// through action execution (spec §3).
type ActionContext struct {
	CallingModule string
	Dispatch      ActionExecutor
	Message       string
}

// ActionExecutor resolves an absolute module.action name and executes
// it. The dispatch package's Dispatch type is the only implementation;
// this interface exists so the config and moduleapi packages need not
// import dispatch.
type ActionExecutor interface {
	ExecuteAction(settings ActionSettings, ctx ActionContext) error
}

// ActionSettings is the typed settings for one configured action. Every
// action settings type knows its own absolute module.action name,
// recorded at parse time so ActionList can resolve and invoke it later.
type ActionSettings interface {
	ActionName() string
}

// Action is a single imperative side effect, constructed fresh at
// execution time with a back-reference (not ownership) to its owning
// module API.
type Action interface {
	Execute(ctx ActionContext) error
}

// ModuleAPI is the runtime surface of a loaded module.
type ModuleAPI interface {
	Name() string
	Run(dispatch ActionExecutor) (ModuleRunStatus, error)
}

// ActionSettingsFactory parses one action's settings sub-tree. actionName
// is the absolute "module.action" name under which the action was
// declared; cfg is passed through so the factory may resolve sibling
// references via cfg.ResolveAction.
type ActionSettingsFactory func(prim toml.Primitive, cfg *Configurator, actionName string) (ActionSettings, error)

// ActionNewFunc constructs an Action from its owning API and settings.
type ActionNewFunc func(api ModuleAPI, settings ActionSettings) Action

// ActionFactory is the pair of constructors a module registers for one
// of its actions.
type ActionFactory struct {
	NewSettings ActionSettingsFactory
	New         ActionNewFunc
}

// ModuleSettingsFactory parses a module's whole settings sub-tree.
type ModuleSettingsFactory func(prim toml.Primitive, cfg *Configurator) (interface{}, error)

// ModuleNewFunc constructs a ModuleAPI from its parsed settings.
type ModuleNewFunc func(name string, settings interface{}) (ModuleAPI, error)

// ModuleFactory is what the static registry (spec §9) maps a module
// name to: how to parse its settings, how to construct its API, and
// which actions it exposes for resolveAction.
type ModuleFactory struct {
	NewSettings ModuleSettingsFactory
	New         ModuleNewFunc
	Actions     map[string]ActionFactory
}

// Registry is the compile-time name -> ModuleFactory table. All modules
// are compiled in; which ones run is data-driven via the "modules" list
// in the configuration document.
type Registry map[string]ModuleFactory

// Configurator owns the parsed configuration document and the module
// registry's two load-time maps: classByName (populated for every
// declared module before any settings are parsed, enabling
// forward-referenced action resolution) and
// instanceByName (populated once a module's settings finish parsing).
type Configurator struct {
	md       toml.MetaData
	sections map[string]toml.Primitive
	registry Registry

	classByName    map[string]ModuleFactory
	instanceByName map[string]ModuleAPI
	order          []string
}

// NewConfigurator parses filename's top-level document into a generic
// section map. Each top-level key becomes a toml.Primitive, decoded on
// demand by the matching module's ModuleSettingsFactory — so parsing
// the file never needs to know module-specific shapes up front.
func NewConfigurator(filename string, registry Registry) (*Configurator, error) {
	var sections map[string]toml.Primitive
	md, err := toml.DecodeFile(filename, &sections)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", filename, err)
	}
	return &Configurator{
		md:             md,
		sections:       sections,
		registry:       registry,
		classByName:    make(map[string]ModuleFactory),
		instanceByName: make(map[string]ModuleAPI),
	}, nil
}

// Section returns the raw top-level sub-tree for name, as extracted
// when the document was first parsed.
func (c *Configurator) Section(name string) (toml.Primitive, bool) {
	prim, ok := c.sections[name]
	return prim, ok
}

// DecodePrimitive decodes prim (a sub-tree previously extracted from
// the document) into v. Module and action settings factories use this
// to materialize their own concrete shape.
func (c *Configurator) DecodePrimitive(prim toml.Primitive, v interface{}) error {
	return c.md.PrimitiveDecode(prim, v)
}

// ModuleNames returns the loaded modules in declaration order.
func (c *Configurator) ModuleNames() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Module returns the instantiated API for name, or nil if the module
// was never loaded (e.g. the load phase failed before reaching it).
func (c *Configurator) Module(name string) ModuleAPI {
	return c.instanceByName[name]
}

// ResolveAction implements spec §4.5's resolveAction: splits absName on
// the rightmost '.', rejects empty module or action parts, and looks up
// the action's factory in classByName. The returned ModuleAPI is nil if
// the owning module has not finished instantiating yet — legitimate
// only while another module's settings are still being parsed;
// execution time always sees a non-nil instance because the loader
// completes before the run phase begins.
func (c *Configurator) ResolveAction(absName string) (ActionFactory, ModuleAPI, error) {
	i := strings.LastIndex(absName, ".")
	if i < 0 {
		return ActionFactory{}, nil, &ConfigError{Path: absName, Msg: "missing module name"}
	}
	moduleName, actionName := absName[:i], absName[i+1:]
	if moduleName == "" {
		return ActionFactory{}, nil, &ConfigError{Path: absName, Msg: "missing module name"}
	}
	if actionName == "" {
		return ActionFactory{}, nil, &ConfigError{Path: absName, Msg: "missing action name"}
	}
	factory, ok := c.classByName[moduleName]
	if !ok {
		return ActionFactory{}, nil, &ConfigError{Path: moduleName, Msg: "no such module"}
	}
	af, ok := factory.Actions[actionName]
	if !ok {
		return ActionFactory{}, nil, &ConfigError{Path: absName, Msg: "action not defined"}
	}
	return af, c.instanceByName[moduleName], nil
}

// LoadModules implements the two-phase load of spec §4.5: it first
// records the factory of every name in the document's "modules" list in
// classByName (enabling forward references during settings parse), then
// for each name parses its settings sub-tree, instantiates it and
// records it in instanceByName. A per-module failure is aggregated and loading
// continues for the remaining modules; if any module failed, the
// caller (Dispatch) must not proceed to the run phase.
func (c *Configurator) LoadModules(logDuplicate func(name string)) error {
	modulesPrim, ok := c.sections["modules"]
	if !ok {
		return &ConfigError{Path: "modules", Msg: "missing required top-level \"modules\" list"}
	}
	var names []string
	if err := c.md.PrimitiveDecode(modulesPrim, &names); err != nil {
		return &ConfigError{Path: "modules", Msg: fmt.Sprintf("decoding module list: %v", err)}
	}

	// Record every declared module's factory before any settings are
	// parsed, so an action list may name a module declared later.
	for _, name := range names {
		if factory, ok := c.registry[name]; ok {
			c.classByName[name] = factory
		}
	}

	var errs error
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			if logDuplicate != nil {
				logDuplicate(name)
			}
			continue
		}
		seen[name] = true

		factory, ok := c.registry[name]
		if !ok {
			errs = multierror.Append(errs, &ConfigError{Path: name, Msg: "no such module"})
			continue
		}

		prim, ok := c.sections[name]
		if !ok {
			errs = multierror.Append(errs, &ConfigError{Path: name, Msg: "missing configuration section"})
			continue
		}

		settings, err := factory.NewSettings(prim, c)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		api, err := factory.New(name, settings)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		c.instanceByName[name] = api
		c.order = append(c.order, name)
	}

	return errs
}
