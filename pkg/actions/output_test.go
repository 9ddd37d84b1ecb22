package actions

import (
	"testing"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name        string
		stdout      string
		wantPayload bool
		wantMessage string
	}{
		{name: "empty", stdout: "  \n"},
		{name: "plain text", stdout: "step one\nstep two\n", wantMessage: "step two"},
		{name: "json object", stdout: `{"message":"joined CORP","dc":"dc01"}`, wantPayload: true, wantMessage: "joined CORP"},
		{name: "pretty json without message", stdout: "{\n  \"dc\": \"dc01\"\n}\n", wantPayload: true},
		{name: "json last line", stdout: "installing\n{\"message\":\"installed 7-Zip\"}\n", wantPayload: true, wantMessage: "installed 7-Zip"},
		{name: "json last line without message", stdout: "installed 7-Zip\n{\"version\":\"23.01\"}", wantPayload: true, wantMessage: "installed 7-Zip"},
		{name: "broken json last line", stdout: "done\n{not json", wantMessage: "{not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, msg := parseOutput(tt.stdout)
			if (payload != nil) != tt.wantPayload {
				t.Errorf("payload = %v, want payload %t", payload, tt.wantPayload)
			}
			if msg != tt.wantMessage {
				t.Errorf("message = %q, want %q", msg, tt.wantMessage)
			}
		})
	}
}

func TestResultFor(t *testing.T) {
	tests := []struct {
		name        string
		exitCode    int
		stdout      string
		stderr      string
		wantOK      bool
		wantClass   engine.ErrorClass
		wantCode    string
		wantWarn    bool
		wantAlready bool
		wantMsg     string
	}{
		{name: "success", exitCode: 0, stdout: `{"message":"ok"}`, wantOK: true, wantMsg: "ok"},
		{name: "warning status", exitCode: 0, stdout: `{"status":"warning","message":"reboot pending"}`, wantOK: true, wantWarn: true, wantMsg: "reboot pending"},
		{name: "warning text", exitCode: 0, stdout: `{"warning":"2 of 3 printers mapped"}`, wantOK: true, wantWarn: true},
		{name: "already applied", exitCode: 0, stdout: `{"already_applied":true}`, wantOK: true, wantAlready: true},
		{name: "validation", exitCode: 2, stderr: "missing installer_path", wantClass: engine.ErrorClassValidation, wantCode: engine.ErrCodeValidation, wantMsg: "missing installer_path"},
		{name: "unreachable", exitCode: 3, stdout: "host did not answer", wantClass: engine.ErrorClassTransport, wantCode: engine.ErrCodeNetwork, wantMsg: "host did not answer"},
		{name: "other exit", exitCode: 5, wantClass: engine.ErrorClassActionFailure, wantCode: "ACTION_EXIT_5", wantMsg: "action exited with code 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resultFor(tt.exitCode, tt.stdout, tt.stderr)
			if res.OK != tt.wantOK {
				t.Fatalf("OK = %t, want %t", res.OK, tt.wantOK)
			}
			if res.Class != tt.wantClass || res.Code != tt.wantCode {
				t.Errorf("class/code = %s/%s, want %s/%s", res.Class, res.Code, tt.wantClass, tt.wantCode)
			}
			if res.Warning != tt.wantWarn {
				t.Errorf("Warning = %t, want %t", res.Warning, tt.wantWarn)
			}
			if res.AlreadyApplied != tt.wantAlready {
				t.Errorf("AlreadyApplied = %t, want %t", res.AlreadyApplied, tt.wantAlready)
			}
			if res.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMsg)
			}
			if !res.OK && res.Stderr != tt.stderr {
				t.Errorf("Stderr = %q, want %q", res.Stderr, tt.stderr)
			}
		})
	}
}

func TestParamsEnv(t *testing.T) {
	p := Params{
		RequestID: "REQ-1",
		Machine:   "pc-042",
		Username:  "jdoe",
		Elevated:  true,
		Attempt:   2,
		Options:   map[string]string{"installer-path": `\\share\setup.exe`, "locale": "ja-JP"},
	}

	env := map[string]bool{}
	for _, kv := range p.Env() {
		env[kv] = true
	}

	for _, want := range []string{
		"FLEETSETUP_REQUEST_ID=REQ-1",
		"FLEETSETUP_MACHINE=pc-042",
		"FLEETSETUP_USERNAME=jdoe",
		"FLEETSETUP_ELEVATED=true",
		"FLEETSETUP_ATTEMPT=2",
		"FLEETSETUP_RESUMED=false",
		`FLEETSETUP_OPT_INSTALLER_PATH=\\share\setup.exe`,
		"FLEETSETUP_OPT_LOCALE=ja-JP",
	} {
		if !env[want] {
			t.Errorf("missing %s in %v", want, p.Env())
		}
	}
}
