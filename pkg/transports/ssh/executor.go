package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes a command on the remote host.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	startTime := time.Now()

	c.logger.Debug().Str("command", cmd).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(cmd); err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to start command: %w", err),
			IsTemporary: true,
		}
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Wait()
	}()

	var execErr error
	select {
	case execErr = <-doneChan:
	case <-ctx.Done():
		c.terminate(session, doneChan)
		execErr = ctx.Err()
	}

	result := &ExecResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		StartedAt:  startTime,
		FinishedAt: time.Now(),
	}
	result.Duration = result.FinishedAt.Sub(startTime)

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}

	result.ExitCode = -1
	return result, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: true,
	}
}

// terminate signals the remote command and closes the session if it does not
// exit within the kill grace period.
func (c *SSHClient) terminate(session *ssh.Session, done <-chan error) {
	_ = session.Signal(ssh.SIGTERM)

	timer := time.NewTimer(c.config.KillGrace)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	c.logger.Warn().Msg("remote command killed after cancellation")
}
