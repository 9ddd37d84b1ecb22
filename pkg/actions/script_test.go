//go:build !windows

package actions

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/rs/zerolog"
)

// newTestScriptRunner writes the given shell scripts and returns a runner
// executing them with /bin/sh.
func newTestScriptRunner(t *testing.T, scripts map[string]string) (*ScriptRunner, string) {
	t.Helper()

	dir := t.TempDir()
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatalf("failed to write script: %v", err)
		}
	}

	transcripts := t.TempDir()
	runner := NewScriptRunner(Config{
		ScriptsDir:    dir,
		Interpreter:   []string{"/bin/sh"},
		TranscriptDir: transcripts,
		KillGrace:     500 * time.Millisecond,
	}, zerolog.Nop())
	return runner, transcripts
}

func testActionRequest(action string) engine.ActionRequest {
	return engine.ActionRequest{
		ActionID:  action,
		RequestID: "REQ-1",
		Task:      strings.TrimSuffix(action, ".sh"),
		Machine: engine.MachineTarget{
			Name:    "pc-042",
			Address: "10.0.0.42",
			Login:   engine.CredentialSelection{Kind: engine.LoginDirectory},
		},
		Credentials: engine.Credentials{Username: `CORP\jdoe`, Password: "secret"},
		Options:     map[string]string{"installer_path": "/srv/setup.exe"},
		Timeout:     10 * time.Second,
		Attempt:     1,
	}
}

func TestScriptRunnerSuccess(t *testing.T) {
	runner, transcripts := newTestScriptRunner(t, map[string]string{
		"join_domain.sh": `echo "joining $FLEETSETUP_MACHINE"
echo "{\"message\":\"joined as $FLEETSETUP_USERNAME\",\"installer\":\"$FLEETSETUP_OPT_INSTALLER_PATH\"}"
`,
	})

	res := runner.Run(context.Background(), testActionRequest("join_domain.sh"))
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Message != `joined as CORP\jdoe` {
		t.Errorf("message = %q", res.Message)
	}
	if res.Payload["installer"] != "/srv/setup.exe" {
		t.Errorf("payload = %v", res.Payload)
	}
	if res.Duration <= 0 {
		t.Error("expected duration to be set")
	}

	matches, _ := filepath.Glob(filepath.Join(transcripts, "REQ-1", "pc-042", "join_domain.sh-*-a1.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one transcript, got %v", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "joining pc-042") || !strings.Contains(content, "# exit=0") {
		t.Errorf("unexpected transcript:\n%s", content)
	}
	if strings.Contains(content, "secret") {
		t.Error("transcript leaks the password")
	}
}

func TestScriptRunnerExitCodes(t *testing.T) {
	runner, _ := newTestScriptRunner(t, map[string]string{
		"validate.sh":    "echo 'installer_path is required' >&2\nexit 2\n",
		"unreachable.sh": "echo 'no route to host' >&2\nexit 3\n",
		"broken.sh":      "echo 'step 1 ok'\necho 'msiexec returned 1603' >&2\nexit 7\n",
		"warn.sh":        `echo '{"status":"warning","message":"reboot required"}'`,
		"already.sh":     `echo '{"already_applied":true}'`,
	})

	tests := []struct {
		action    string
		wantOK    bool
		wantClass engine.ErrorClass
		wantCode  string
		check     func(t *testing.T, res engine.ActionResult)
	}{
		{action: "validate.sh", wantClass: engine.ErrorClassValidation, wantCode: engine.ErrCodeValidation},
		{action: "unreachable.sh", wantClass: engine.ErrorClassTransport, wantCode: engine.ErrCodeNetwork},
		{
			action:    "broken.sh",
			wantClass: engine.ErrorClassActionFailure,
			wantCode:  "ACTION_EXIT_7",
			check: func(t *testing.T, res engine.ActionResult) {
				if !strings.Contains(res.Stderr, "1603") {
					t.Errorf("stderr = %q", res.Stderr)
				}
			},
		},
		{
			action: "warn.sh",
			wantOK: true,
			check: func(t *testing.T, res engine.ActionResult) {
				if !res.Warning {
					t.Error("expected warning")
				}
			},
		},
		{
			action: "already.sh",
			wantOK: true,
			check: func(t *testing.T, res engine.ActionResult) {
				if !res.AlreadyApplied {
					t.Error("expected already applied")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			res := runner.Run(context.Background(), testActionRequest(tt.action))
			if res.OK != tt.wantOK {
				t.Fatalf("OK = %t, want %t (%+v)", res.OK, tt.wantOK, res)
			}
			if res.Class != tt.wantClass || res.Code != tt.wantCode {
				t.Errorf("class/code = %s/%s, want %s/%s", res.Class, res.Code, tt.wantClass, tt.wantCode)
			}
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestScriptRunnerMissingScript(t *testing.T) {
	runner, _ := newTestScriptRunner(t, nil)

	for _, action := range []string{"missing.sh", "../escape.sh", ""} {
		res := runner.Run(context.Background(), testActionRequest(action))
		if res.OK || res.Class != engine.ErrorClassValidation {
			t.Errorf("%q: expected validation failure, got %+v", action, res)
		}
	}
}

func TestScriptRunnerTimeoutKillsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	runner, _ := newTestScriptRunner(t, map[string]string{
		"hang.sh": "sleep 30 &\necho $! > \"" + pidFile + "\"\nwait\n",
	})

	req := testActionRequest("hang.sh")
	req.Timeout = 300 * time.Millisecond

	start := time.Now()
	res := runner.Run(context.Background(), req)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("runner returned after %s", elapsed)
	}
	if res.OK || res.Class != engine.ErrorClassActionTimeout || res.Code != engine.ErrCodeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("child pid not written: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("bad pid: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("child process %d survived the timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestScriptRunnerCancelled(t *testing.T) {
	runner, _ := newTestScriptRunner(t, map[string]string{
		"hang.sh": "sleep 30\n",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res := runner.Run(ctx, testActionRequest("hang.sh"))
	if res.OK || res.Class == engine.ErrorClassActionTimeout {
		t.Errorf("expected cancelled failure, got %+v", res)
	}
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		// No procfs: trust kill(0).
		return !os.IsNotExist(err) || !procfsAvailable()
	}
	// The state follows the parenthesised command name.
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func procfsAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}
