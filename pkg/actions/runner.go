package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// Config configures both action runners.
type Config struct {
	// ScriptsDir holds the action scripts, one file per action ID.
	ScriptsDir string

	// Interpreter is the command prefix that runs a local script, e.g.
	// ["pwsh", "-NoProfile", "-File"]. Empty runs the script directly.
	Interpreter []string

	// TranscriptDir receives per-attempt transcripts. Empty disables them.
	TranscriptDir string

	// KillGrace bounds how long a cancelled action may take to exit.
	KillGrace time.Duration

	// RemoteWorkDir is where SSHRunner uploads scripts on the target.
	RemoteWorkDir string

	// RemoteInterpreter prefixes the remote command line.
	RemoteInterpreter string

	// SSHPort is used when a machine address carries no port.
	SSHPort int

	// KnownHostsPath enables host key checking when set.
	KnownHostsPath string

	// ConnectTimeout bounds the SSH handshake.
	ConnectTimeout time.Duration
}

// DefaultConfig returns runner defaults for Windows targets.
func DefaultConfig() Config {
	return Config{
		ScriptsDir:        "scripts",
		Interpreter:       []string{"pwsh", "-NoProfile", "-NonInteractive", "-File"},
		KillGrace:         5 * time.Second,
		RemoteWorkDir:     "C:/ProgramData/fleetsetup",
		RemoteInterpreter: "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -File",
		SSHPort:           22,
		ConnectTimeout:    30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ScriptsDir == "" {
		c.ScriptsDir = d.ScriptsDir
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.RemoteWorkDir == "" {
		c.RemoteWorkDir = d.RemoteWorkDir
	}
	if c.RemoteInterpreter == "" {
		c.RemoteInterpreter = d.RemoteInterpreter
	}
	if c.SSHPort == 0 {
		c.SSHPort = d.SSHPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
}

// scriptPath resolves an action ID inside the scripts directory.
func (c *Config) scriptPath(actionID string) (string, error) {
	if actionID == "" || strings.ContainsAny(actionID, `/\`) || actionID == "." || actionID == ".." {
		return "", fmt.Errorf("invalid action id %q", actionID)
	}
	path, err := filepath.Abs(filepath.Join(c.ScriptsDir, actionID))
	if err != nil {
		return "", fmt.Errorf("failed to resolve action script: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("action script %s: %w", actionID, err)
	}
	return path, nil
}

// withTimeout applies the per-attempt timeout of req.
func withTimeout(ctx context.Context, req engine.ActionRequest) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}

// contextResult classifies an attempt that ended because ctx ended.
func contextResult(ctx context.Context, req engine.ActionRequest, stdout, stderr string) engine.ActionResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.ActionResult{
			Class:   engine.ErrorClassActionTimeout,
			Code:    engine.ErrCodeTimeout,
			Message: fmt.Sprintf("action %s timed out after %s", req.ActionID, req.Timeout),
			Stderr:  stderr,
		}
	}
	return engine.ActionResult{
		Class:   engine.ErrorClassActionFailure,
		Code:    engine.ErrCodeActionFailed,
		Message: fmt.Sprintf("action %s cancelled", req.ActionID),
		Stderr:  stderr,
	}
}

func validationResult(msg string, err error) engine.ActionResult {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return engine.ActionResult{
		Class:   engine.ErrorClassValidation,
		Code:    engine.ErrCodeValidation,
		Message: msg,
	}
}
