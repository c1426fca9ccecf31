package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/israel-lugo/netforeman/internal/config"
	"github.com/israel-lugo/netforeman/internal/moduleapi"
)

const (
	defaultTimeout  = 5 * time.Second
	outputCaptureSz = 4096
)

// rawExecuteSettings is the TOML shape of the execute action.
type rawExecuteSettings struct {
	Cmdline        interface{}      `toml:"cmdline"`
	User           string           `toml:"user"`
	OnFailOrOutput []toml.Primitive `toml:"on_fail_or_output"`
	Timeout        *float64         `toml:"timeout"`
}

type executeSettings struct {
	actionName     string
	cmdline        []string
	user           PasswdEntry
	onFailOrOutput moduleapi.ActionListSettings
	// timeout is nil for "wait indefinitely" (explicit null).
	timeout *time.Duration
}

func (s *executeSettings) ActionName() string { return s.actionName }

func parseExecuteSettings(prim toml.Primitive, cfg *config.Configurator, actionName string) (config.ActionSettings, error) {
	var raw rawExecuteSettings
	if err := cfg.DecodePrimitive(prim, &raw); err != nil {
		return nil, &config.ConfigError{Path: actionName, Msg: err.Error()}
	}

	cmdline, err := parseCmdline(raw.Cmdline, actionName+".cmdline")
	if err != nil {
		return nil, err
	}
	if len(cmdline) == 0 {
		return nil, &config.ConfigError{Path: actionName, Msg: "missing required field \"cmdline\""}
	}
	if raw.User == "" {
		return nil, &config.ConfigError{Path: actionName, Msg: "missing required field \"user\""}
	}
	pw, err := resolveUser(raw.User)
	if err != nil {
		return nil, &config.ConfigError{Path: actionName + ".user", Msg: err.Error()}
	}

	onFailOrOutput, err := moduleapi.ParseActionList(actionName+".on_fail_or_output", raw.OnFailOrOutput, cfg)
	if err != nil {
		return nil, err
	}

	// TOML has no null literal, so "explicit null means wait
	// indefinitely" (spec §4.8) is expressed as an explicit 0: an
	// absent key takes the default, an explicit 0 means no timeout,
	// anything else must be positive.
	var timeoutPtr *time.Duration
	switch {
	case raw.Timeout == nil:
		d := defaultTimeout
		timeoutPtr = &d
	case *raw.Timeout < 0:
		return nil, &config.ConfigError{Path: actionName + ".timeout", Msg: "timeout must not be negative"}
	case *raw.Timeout == 0:
		timeoutPtr = nil
	default:
		d := time.Duration(*raw.Timeout * float64(time.Second))
		timeoutPtr = &d
	}

	return &executeSettings{
		actionName:     actionName,
		cmdline:        cmdline,
		user:           pw,
		onFailOrOutput: onFailOrOutput,
		timeout:        timeoutPtr,
	}, nil
}

type executeAction struct {
	api      *API
	settings *executeSettings
}

func (a executeAction) Execute(ctx config.ActionContext) error {
	s := a.settings
	capture := len(s.onFailOrOutput) > 0

	runCtx := context.Background()
	var cancel context.CancelFunc
	if s.timeout != nil {
		runCtx, cancel = context.WithTimeout(runCtx, *s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.cmdline[0], s.cmdline[1:]...)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid: s.user.Uid,
			Gid: s.user.Gid,
		},
	}

	var out bytes.Buffer
	if capture {
		cmd.Stdout = &out
		cmd.Stderr = &out
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process: execute %q: %w", s.actionName, err)
	}

	// Verify the uid drop before Wait reaps the child: once the child
	// has exited, /proc/<pid>/status is gone and there is nothing left
	// to observe (spec §4.8).
	if verr := verifyUidDropped(cmd.Process.Pid, s.user.Uid); verr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("process: execute %q: %w", s.actionName, verr)
	}

	runErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		runErr = fmt.Errorf("process: execute %q: timed out after %v", s.actionName, *s.timeout)
	}

	if !capture {
		if runErr != nil {
			return fmt.Errorf("process: execute %q: %w", s.actionName, runErr)
		}
		return nil
	}

	if runErr == nil && out.Len() == 0 {
		return nil
	}

	msg := buildCaptureMessage(ctx.Message, runErr, out.Bytes())
	a.api.logger.Warn(msg)
	failCtx := config.ActionContext{CallingModule: a.api.name, Dispatch: ctx.Dispatch, Message: msg}
	list := moduleapi.ActionList{Settings: s.onFailOrOutput, Logger: a.api.logger}
	if !list.Run(failCtx) {
		return fmt.Errorf("process: execute %q: on_fail_or_output action failed", s.actionName)
	}
	return nil
}

// uidVerifyRetries and uidVerifyDelay bound the read-back race right
// after Start: the child may exit (and be reaped by the kernel,
// removing /proc/<pid>) before the parent gets scheduled to read it.
const (
	uidVerifyRetries = 5
	uidVerifyDelay   = 2 * time.Millisecond
)

// verifyUidDropped re-reads the child's real/effective/saved uid from
// /proc/<pid>/status, called between Start and Wait, and fails if any
// does not match target — the Go-idiomatic equivalent of spec §4.8's
// "re-read them and abort if any differs." A short retry absorbs the
// race against a very fast-exiting child; if the process is gone by
// the last attempt there is nothing left to verify.
func verifyUidDropped(pid int, target uint32) error {
	var data []byte
	var err error
	for attempt := 0; attempt < uidVerifyRetries; attempt++ {
		data, err = os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading /proc/%d/status: %w", pid, err)
		}
		time.Sleep(uidVerifyDelay)
	}
	if err != nil {
		// the child exited (and was reaped) before it could be
		// observed; nothing left to verify.
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return fmt.Errorf("unexpected Uid line in /proc/%d/status: %q", pid, line)
		}
		for _, f := range fields[1:4] {
			uid, err := strconv.ParseUint(f, 10, 32)
			if err != nil || uint32(uid) != target {
				return fmt.Errorf("uid drop verification failed: /proc/%d/status reports %q, want %d", pid, line, target)
			}
		}
		return nil
	}
	return fmt.Errorf("no Uid line found in /proc/%d/status", pid)
}

// buildCaptureMessage assembles the descriptive message for
// on_fail_or_output: the original failure message, an optional error
// note, a truncation note, and the decoded, replacement-sanitized
// output (spec §4.8).
func buildCaptureMessage(orig string, runErr error, output []byte) string {
	var b strings.Builder
	b.WriteString(orig)
	if runErr != nil {
		fmt.Fprintf(&b, "; command error: %v", runErr)
	}

	truncated := len(output) > outputCaptureSz
	if truncated {
		output = output[:outputCaptureSz]
	}
	decoded := strings.ToValidUTF8(string(output), "�")

	if truncated {
		b.WriteString("; output truncated to 4096 bytes")
	}
	if len(decoded) > 0 {
		fmt.Fprintf(&b, "; output: %s", decoded)
	}
	return b.String()
}
