// Package email implements the email module (spec §4.9): SMTP settings
// plus the sendmail action, with {module}/{message} template
// substitution validated at configure time.
package email

import (
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
)

// Sender abstracts the SMTP transport so sendmail is testable with a
// fake; net/smtp.SendMail has exactly this shape in production.
type Sender interface {
	Send(addr string, auth smtpAuth, from string, to []string, msg []byte) error
}

// smtpAuth mirrors net/smtp.Auth without importing net/smtp here, so
// Sender implementations decide how (or whether) to authenticate.
type smtpAuth interface{}

// rawSettings is the TOML shape of the email module's own settings.
type rawSettings struct {
	FromAddress    string      `toml:"from_address"`
	ToAddress      string      `toml:"to_address"`
	Server         string      `toml:"server"`
	Port           interface{} `toml:"port"`
	DefaultSubject string      `toml:"default_subject"`
	Username       string      `toml:"username"`
	Password       string      `toml:"password"`
}

// Settings is the parsed, validated email module configuration.
type Settings struct {
	FromAddress    string `validate:"required,email"`
	ToAddress      string `validate:"required,email"`
	Server         string `validate:"required"`
	Port           int
	DefaultSubject string
	Username       string
	Password       string
}

func parseSettings(moduleName string, prim toml.Primitive, cfg *config.Configurator) (*Settings, error) {
	var raw rawSettings
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: moduleName, Msg: err.Error()}
	}

	port := 25
	switch v := raw.Port.(type) {
	case nil:
		// absent: keep default 25
	case int64:
		port = int(v)
	case string:
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, &config.ConfigError{Path: moduleName + ".port", Msg: fmt.Sprintf("port %q is not an integer", v)}
		}
		port = p
	default:
		return nil, &config.ConfigError{Path: moduleName + ".port", Msg: fmt.Sprintf("port must be an integer, got %T", v)}
	}

	s := &Settings{
		FromAddress:    raw.FromAddress,
		ToAddress:      raw.ToAddress,
		Server:         raw.Server,
		Port:           port,
		DefaultSubject: raw.DefaultSubject,
		Username:       raw.Username,
		Password:       raw.Password,
	}

	if err := config.ValidateStruct(moduleName, s); err != nil {
		return nil, err
	}

	return s, nil
}

// RegisterModule returns a config.ModuleFactory for the email module.
func RegisterModule(moduleName string, sender Sender) config.ModuleFactory {
	return config.ModuleFactory{
		NewSettings: func(prim toml.Primitive, cfg *config.Configurator) (interface{}, error) {
			return parseSettings(moduleName, prim, cfg)
		},
		New: func(name string, settings interface{}) (config.ModuleAPI, error) {
			s := settings.(*Settings)
			return &API{
				name:     name,
				settings: s,
				sender:   sender,
				logger:   slog.Default().With("module", "netforeman."+name),
			}, nil
		},
		Actions: map[string]config.ActionFactory{
			"sendmail": {
				NewSettings: parseSendmailSettings,
				New: func(api config.ModuleAPI, settings config.ActionSettings) config.Action {
					return sendmailAction{api: api.(*API), settings: settings.(*sendmailSettings)}
				},
			},
		},
	}
}

// API is the module instance: the resolved SMTP settings. The email
// module has no checks of its own; Run is a no-op and always succeeds.
type API struct {
	name     string
	settings *Settings
	sender   Sender
	logger   *slog.Logger
}

func (a *API) Name() string { return a.name }

func (a *API) Run(dispatch config.ActionExecutor) (config.ModuleRunStatus, error) {
	return config.StatusOK, nil
}

// rawSendmailSettings is the TOML shape of the sendmail action.
type rawSendmailSettings struct {
	Text    string `toml:"text"`
	Subject string `toml:"subject"`
}

type sendmailSettings struct {
	actionName string
	text       string
	subject    string
}

func (s *sendmailSettings) ActionName() string { return s.actionName }

// validPlaceholders is the complete set of substitutions renderTemplate
// understands; anything else in braces is a configuration mistake.
var validPlaceholders = map[string]bool{"{module}": true, "{message}": true}

// renderTemplate substitutes {module} and {message} in tmpl. Callers
// must validate tmpl first (validateTemplate); renderTemplate itself
// assumes a well-formed template and never errors.
func renderTemplate(tmpl, module, message string) string {
	r := strings.NewReplacer("{module}", module, "{message}", message)
	return r.Replace(tmpl)
}

// validateTemplate rejects any brace-delimited placeholder other than
// {module} or {message}, and any unbalanced brace — the check
// renderTemplate itself (a plain strings.Replacer) cannot perform,
// since a Replacer silently leaves unknown placeholders untouched
// instead of failing (spec §4.9).
func validateTemplate(tmpl string) error {
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '}' {
			return fmt.Errorf("unmatched %q in template", "}")
		}
		if tmpl[i] != '{' {
			continue
		}
		end := strings.IndexByte(tmpl[i:], '}')
		if end < 0 {
			return fmt.Errorf("unterminated %q in template", "{")
		}
		placeholder := tmpl[i : i+end+1]
		if !validPlaceholders[placeholder] {
			return fmt.Errorf("unknown placeholder %q in template", placeholder)
		}
		i += end
	}
	return nil
}

func parseSendmailSettings(prim toml.Primitive, cfg *config.Configurator, actionName string) (config.ActionSettings, error) {
	var raw rawSendmailSettings
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
	}

	// Validate the template at configure time (spec §4.9): catches
	// malformed placeholders before any check ever fails.
	if err := validateTemplate(raw.Text); err != nil {
		return nil, &config.ConfigError{Path: actionName + ".text", Msg: err.Error()}
	}

	return &sendmailSettings{actionName: actionName, text: raw.Text, subject: raw.Subject}, nil
}

type sendmailAction struct {
	api      *API
	settings *sendmailSettings
}

func (a sendmailAction) Execute(ctx config.ActionContext) error {
	s := a.api.settings
	text := a.settings.text
	if text == "" {
		text = "{message}"
	}
	body := renderTemplate(text, ctx.CallingModule, ctx.Message)

	subject := a.settings.subject
	if subject == "" {
		subject = s.DefaultSubject
	}

	from := &mail.Address{Address: s.FromAddress}
	to := &mail.Address{Address: s.ToAddress}

	msg := buildMessage(from, to, subject, body)

	addr := fmt.Sprintf("%s:%d", s.Server, s.Port)
	auth := NewAuth(s.Username, s.Password, s.Server)
	return a.api.sender.Send(addr, auth, s.FromAddress, []string{s.ToAddress}, msg)
}
