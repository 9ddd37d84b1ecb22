package actions

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/rs/zerolog"
)

var _ engine.ActionRunner = (*ScriptRunner)(nil)

// ScriptRunner runs actions as local subprocesses.
type ScriptRunner struct {
	cfg        Config
	logger     zerolog.Logger
	transcript transcriptWriter
	now        func() time.Time
}

// NewScriptRunner creates a local script runner.
func NewScriptRunner(cfg Config, logger zerolog.Logger) *ScriptRunner {
	cfg.applyDefaults()
	logger = logger.With().Str("component", "script-runner").Logger()
	return &ScriptRunner{
		cfg:        cfg,
		logger:     logger,
		transcript: transcriptWriter{dir: cfg.TranscriptDir, now: time.Now, logger: logger},
		now:        time.Now,
	}
}

// Run executes the action script for req. The process runs in its own
// process group, and the whole group is killed when the attempt times out.
func (r *ScriptRunner) Run(ctx context.Context, req engine.ActionRequest) engine.ActionResult {
	script, err := r.cfg.scriptPath(req.ActionID)
	if err != nil {
		return validationResult("action not available", err)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	name := script
	args := []string{}
	if len(r.cfg.Interpreter) > 0 {
		name = r.cfg.Interpreter[0]
		args = append(args, r.cfg.Interpreter[1:]...)
		args = append(args, script)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = append(os.Environ(), NewParams(req).Env()...)
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = r.cfg.KillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := r.logger.With().
		Str("request_id", req.RequestID).
		Str("machine", req.Machine.Name).
		Str("action", req.ActionID).
		Int("attempt", req.Attempt).
		Logger()
	logger.Debug().Str("command", name).Strs("args", args).Msg("starting action")

	start := r.now()
	runErr := cmd.Run()
	duration := r.now().Sub(start)

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
	}

	r.transcript.write(req, transcriptEntry{
		Command:  strings.TrimSpace(name + " " + strings.Join(args, " ")),
		ExitCode: exitCode,
		Duration: duration,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      runErr,
	})

	var res engine.ActionResult
	switch {
	case ctx.Err() != nil:
		res = contextResult(ctx, req, stdout.String(), stderr.String())
	case runErr != nil && exitErr == nil:
		res = validationResult("failed to start action", runErr)
	default:
		res = resultFor(exitCode, stdout.String(), stderr.String())
	}
	res.Duration = duration

	logger.Debug().
		Int("exit_code", exitCode).
		Bool("ok", res.OK).
		Dur("duration", duration).
		Msg("action finished")

	return res
}
