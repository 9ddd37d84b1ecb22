package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/openfroyo/fleetsetup/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// cleanupTimeout bounds removal of uploaded files after an attempt.
const cleanupTimeout = 30 * time.Second

var _ engine.ActionRunner = (*SSHRunner)(nil)

// Dialer opens a connected transport to a target machine.
type Dialer func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error)

// SSHRunner runs actions on the target machine over SSH.
type SSHRunner struct {
	cfg        Config
	dial       Dialer
	logger     zerolog.Logger
	transcript transcriptWriter
	now        func() time.Time
}

// NewSSHRunner creates a remote runner.
func NewSSHRunner(cfg Config, logger zerolog.Logger) *SSHRunner {
	cfg.applyDefaults()
	logger = logger.With().Str("component", "ssh-runner").Logger()
	r := &SSHRunner{
		cfg:        cfg,
		logger:     logger,
		transcript: transcriptWriter{dir: cfg.TranscriptDir, now: time.Now, logger: logger},
		now:        time.Now,
	}
	r.dial = r.connect
	return r
}

func (r *SSHRunner) connect(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	client, err := ssh.NewSSHClient(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Run uploads the action script and its parameters, executes the script and
// removes the uploaded files.
func (r *SSHRunner) Run(ctx context.Context, req engine.ActionRequest) engine.ActionResult {
	script, err := r.cfg.scriptPath(req.ActionID)
	if err != nil {
		return validationResult("action not available", err)
	}
	body, err := os.ReadFile(script)
	if err != nil {
		return validationResult("failed to read action script", err)
	}
	params, err := json.Marshal(NewParams(req))
	if err != nil {
		return validationResult("failed to encode action parameters", err)
	}

	host, port, err := ssh.ParseAddress(req.Machine.Address, r.cfg.SSHPort)
	if err != nil {
		return validationResult("invalid machine address", err)
	}
	sc := ssh.DefaultConfig(host, req.Credentials.Username)
	sc.Port = port
	sc.Password = req.Credentials.Password
	sc.KnownHostsPath = r.cfg.KnownHostsPath
	sc.StrictHostKeyChecking = r.cfg.KnownHostsPath != ""
	sc.ConnectionTimeout = r.cfg.ConnectTimeout
	sc.KillGrace = r.cfg.KillGrace
	if err := sc.Validate(); err != nil {
		return validationResult("invalid connection settings", err)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	logger := r.logger.With().
		Str("request_id", req.RequestID).
		Str("machine", req.Machine.Name).
		Str("action", req.ActionID).
		Int("attempt", req.Attempt).
		Logger()

	start := r.now()
	client, err := r.dial(ctx, sc)
	if err != nil {
		return r.transportResult(ctx, req, "failed to connect", err, start)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			logger.Debug().Err(err).Msg("failed to disconnect")
		}
	}()

	dir := path.Join(r.cfg.RemoteWorkDir, fmt.Sprintf("%s-%s-a%d", safeName(req.RequestID), safeName(req.Task), req.Attempt))
	remoteScript := path.Join(dir, safeName(req.ActionID))
	remoteParams := path.Join(dir, "params.json")

	// Parameters carry the password; they are removed even when ctx has ended.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		// The directory goes last; SFTP only removes it once empty.
		if err := client.Remove(cleanupCtx, remoteParams, remoteScript, dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove uploaded action files")
		}
	}()

	if err := client.UploadBytes(ctx, body, remoteScript, 0o700); err != nil {
		return r.transportResult(ctx, req, "failed to upload action script", err, start)
	}
	if err := client.UploadBytes(ctx, params, remoteParams, 0o600); err != nil {
		return r.transportResult(ctx, req, "failed to upload action parameters", err, start)
	}

	command := fmt.Sprintf("%s %s %s", r.cfg.RemoteInterpreter, psQuote(remoteScript), psQuote(remoteParams))
	logger.Debug().Str("command", command).Msg("starting remote action")

	out, runErr := client.Run(ctx, command)
	duration := r.now().Sub(start)

	entry := transcriptEntry{Command: command, Duration: duration, Err: runErr, ExitCode: -1}
	if out != nil {
		entry.ExitCode = out.ExitCode
		entry.Stdout = out.Stdout
		entry.Stderr = out.Stderr
	}
	r.transcript.write(req, entry)

	var res engine.ActionResult
	switch {
	case ctx.Err() != nil:
		res = contextResult(ctx, req, entry.Stdout, entry.Stderr)
	case runErr != nil:
		return r.transportResult(ctx, req, "remote execution failed", runErr, start)
	default:
		res = resultFor(out.ExitCode, out.Stdout, out.Stderr)
	}
	res.Duration = duration

	logger.Debug().
		Int("exit_code", entry.ExitCode).
		Bool("ok", res.OK).
		Dur("duration", duration).
		Msg("remote action finished")

	return res
}

// transportResult classifies a connection or transfer failure. Rejected
// credentials are a validation failure; retrying cannot fix them.
func (r *SSHRunner) transportResult(ctx context.Context, req engine.ActionRequest, msg string, err error, start time.Time) engine.ActionResult {
	var res engine.ActionResult
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		res = contextResult(ctx, req, "", "")
		if ctx.Err() == nil {
			res.Class = engine.ErrorClassActionTimeout
			res.Code = engine.ErrCodeTimeout
		}
	case ssh.IsAuthError(err):
		res = engine.ActionResult{
			Class:   engine.ErrorClassValidation,
			Code:    engine.ErrCodeValidation,
			Message: fmt.Sprintf("authentication rejected for %s", req.Credentials.Username),
			Stderr:  err.Error(),
		}
	default:
		res = engine.ActionResult{
			Class:   engine.ErrorClassTransport,
			Code:    engine.ErrCodeNetwork,
			Message: fmt.Sprintf("%s: %v", msg, err),
		}
	}
	res.Duration = r.now().Sub(start)
	return res
}

// psQuote quotes s as a PowerShell literal string. Single-quoted strings do
// no expansion; an embedded quote is written twice.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
