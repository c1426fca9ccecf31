package process

import (
	"bytes"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func TestParseCmdlineString(t *testing.T) {
	t.Parallel()
	got, err := parseCmdline("bird -f -c /etc/bird.conf", "test.cmdline")
	if err != nil {
		t.Fatalf("parseCmdline: %v", err)
	}
	want := []string{"bird", "-f", "-c", "/etc/bird.conf"}
	if len(got) != len(want) {
		t.Fatalf("parseCmdline(%q) = %v, want %v", "bird -f -c /etc/bird.conf", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseCmdlineList(t *testing.T) {
	t.Parallel()
	got, err := parseCmdline([]interface{}{"/bin/echo", "hello"}, "test.cmdline")
	if err != nil {
		t.Fatalf("parseCmdline: %v", err)
	}
	if len(got) != 2 || got[0] != "/bin/echo" || got[1] != "hello" {
		t.Errorf("parseCmdline([]interface{}) = %v", got)
	}
}

func TestParseCmdlineAbsent(t *testing.T) {
	t.Parallel()
	got, err := parseCmdline(nil, "test.cmdline")
	if err != nil {
		t.Fatalf("parseCmdline: %v", err)
	}
	if got != nil {
		t.Errorf("parseCmdline(nil) = %v, want nil", got)
	}
}

func TestParseCmdlineInvalidElement(t *testing.T) {
	t.Parallel()
	if _, err := parseCmdline([]interface{}{"ok", 5}, "test.cmdline"); err == nil {
		t.Error("parseCmdline with a non-string element should fail")
	}
}

func TestParseCmdlineInvalidType(t *testing.T) {
	t.Parallel()
	if _, err := parseCmdline(42, "test.cmdline"); err == nil {
		t.Error("parseCmdline with a non-string, non-list value should fail")
	}
}

func TestDoProcessCheckBasenameNoMatch(t *testing.T) {
	t.Parallel()
	a := &API{name: "process", logger: testLogger()}
	procs := []procSnapshot{{Basename: "sshd", Username: "root"}}
	status := a.doProcessCheck(ProcessCheck{Basename: "bird"}, procs, nil)
	if status.String() != "check_failed" {
		t.Errorf("status = %v, want check_failed", status)
	}
}

func TestDoProcessCheckCmdlineMismatch(t *testing.T) {
	t.Parallel()
	a := &API{name: "process", logger: testLogger()}
	procs := []procSnapshot{{Basename: "bird", Cmdline: []string{"bird", "-c", "/etc/bird.conf"}}}
	status := a.doProcessCheck(ProcessCheck{Basename: "bird", Cmdline: []string{"bird", "-f"}}, procs, nil)
	if status.String() != "check_failed" {
		t.Errorf("status = %v, want check_failed", status)
	}
}

func TestDoProcessCheckUserMismatch(t *testing.T) {
	t.Parallel()
	a := &API{name: "process", logger: testLogger()}
	procs := []procSnapshot{{Basename: "bird", Cmdline: []string{"bird", "-f"}, Username: "root"}}
	check := ProcessCheck{Basename: "bird", Cmdline: []string{"bird", "-f"}, HasUser: true, User: PasswdEntry{Username: "bird"}}
	status := a.doProcessCheck(check, procs, nil)
	if status.String() != "check_failed" {
		t.Errorf("status = %v, want check_failed", status)
	}
}

func TestDoProcessCheckSuccess(t *testing.T) {
	t.Parallel()
	a := &API{name: "process", logger: testLogger()}
	procs := []procSnapshot{{Basename: "bird", Cmdline: []string{"bird", "-f"}, Username: "bird"}}
	check := ProcessCheck{Basename: "bird", Cmdline: []string{"bird", "-f"}, HasUser: true, User: PasswdEntry{Username: "bird"}}
	status := a.doProcessCheck(check, procs, nil)
	if status.String() != "ok" {
		t.Errorf("status = %v, want ok", status)
	}
}

func TestBuildCaptureMessage(t *testing.T) {
	t.Parallel()
	msg := buildCaptureMessage("check failed", nil, []byte("hello\n"))
	if msg == "" {
		t.Fatal("buildCaptureMessage returned empty string")
	}
	wantSubstr := "hello"
	if !contains(msg, wantSubstr) {
		t.Errorf("buildCaptureMessage = %q, want it to contain %q", msg, wantSubstr)
	}
}

func TestBuildCaptureMessageTruncates(t *testing.T) {
	t.Parallel()
	big := make([]byte, outputCaptureSz+100)
	for i := range big {
		big[i] = 'x'
	}
	msg := buildCaptureMessage("check failed", nil, big)
	if !contains(msg, "truncated") {
		t.Errorf("buildCaptureMessage should note truncation, got %q", msg)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
