package process

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
)

func writeExecuteConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "netforeman.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	return u.Username
}

// fragmentPrimitive decodes body as the contents of a standalone TOML
// table, returning it as a toml.Primitive the way cfg.ResolveAction's
// caller would receive one from a real config file.
func fragmentPrimitive(t *testing.T, body string) toml.Primitive {
	t.Helper()
	var wrapper struct {
		X toml.Primitive `toml:"x"`
	}
	if _, err := toml.Decode("[x]\n"+body, &wrapper); err != nil {
		t.Fatalf("decoding fragment: %v", err)
	}
	return wrapper.X
}

func emptyConfigurator(t *testing.T) *config.Configurator {
	t.Helper()
	path := writeExecuteConfig(t, `modules = []`)
	cfg, err := config.NewConfigurator(path, config.Registry{})
	if err != nil {
		t.Fatalf("NewConfigurator: %v", err)
	}
	return cfg
}

func TestParseExecuteSettingsDefaults(t *testing.T) {
	t.Parallel()
	username := currentUsername(t)
	cfg := emptyConfigurator(t)

	prim := fragmentPrimitive(t, `cmdline = "/bin/echo hello"
user = "`+username+`"
`)
	settings, err := parseExecuteSettings(prim, cfg, "process.execute")
	if err != nil {
		t.Fatalf("parseExecuteSettings: %v", err)
	}
	s := settings.(*executeSettings)
	if s.timeout == nil || *s.timeout != defaultTimeout {
		t.Errorf("timeout = %v, want default %v", s.timeout, defaultTimeout)
	}
	if len(s.cmdline) != 2 || s.cmdline[0] != "/bin/echo" || s.cmdline[1] != "hello" {
		t.Errorf("cmdline = %v", s.cmdline)
	}
}

func TestParseExecuteSettingsZeroTimeoutIsIndefinite(t *testing.T) {
	t.Parallel()
	username := currentUsername(t)
	cfg := emptyConfigurator(t)

	prim := fragmentPrimitive(t, `cmdline = "/bin/echo hello"
user = "`+username+`"
timeout = 0
`)
	settings, err := parseExecuteSettings(prim, cfg, "process.execute")
	if err != nil {
		t.Fatalf("parseExecuteSettings: %v", err)
	}
	s := settings.(*executeSettings)
	if s.timeout != nil {
		t.Errorf("timeout = %v, want nil (indefinite)", *s.timeout)
	}
}

func TestParseExecuteSettingsNegativeTimeoutFails(t *testing.T) {
	t.Parallel()
	username := currentUsername(t)
	cfg := emptyConfigurator(t)

	prim := fragmentPrimitive(t, `cmdline = "/bin/echo hello"
user = "`+username+`"
timeout = -1
`)
	if _, err := parseExecuteSettings(prim, cfg, "process.execute"); err == nil {
		t.Error("parseExecuteSettings should reject a negative timeout")
	}
}

func TestParseExecuteSettingsMissingCmdline(t *testing.T) {
	t.Parallel()
	username := currentUsername(t)
	cfg := emptyConfigurator(t)

	prim := fragmentPrimitive(t, `user = "`+username+`"
`)
	if _, err := parseExecuteSettings(prim, cfg, "process.execute"); err == nil {
		t.Error("parseExecuteSettings should require cmdline")
	}
}

// TestExecuteSelfDropCapturesOutput exercises the full execute action
// with a same-uid "drop" (target uid/gid are the test process's own;
// the child still calls setgroups, which needs CAP_SETGID), confirming output capture triggers on_fail_or_output on any output
// (spec §4.8 scenario 6).
func TestExecuteSelfDropCapturesOutput(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available")
	}
	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())

	api := &API{name: "process", logger: testLogger()}
	var onFailOrOutput []config.ActionSettings
	onFailOrOutput = append(onFailOrOutput, &noopExecSettings{name: "process.noop"})
	settings := &executeSettings{
		actionName:     "process.execute",
		cmdline:        []string{"/bin/echo", "hello"},
		user:           PasswdEntry{Uid: uid, Gid: gid},
		onFailOrOutput: onFailOrOutput,
	}
	action := executeAction{api: api, settings: settings}

	var ran bool
	dispatch := &recordingDispatch{ran: &ran}
	ctx := config.ActionContext{CallingModule: "process", Dispatch: dispatch, Message: "probe"}
	if err := action.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Error("on_fail_or_output should run: /bin/echo produced output")
	}
}

type noopExecSettings struct{ name string }

func (s *noopExecSettings) ActionName() string { return s.name }

type recordingDispatch struct{ ran *bool }

func (d *recordingDispatch) ExecuteAction(settings config.ActionSettings, ctx config.ActionContext) error {
	*d.ran = true
	return nil
}
