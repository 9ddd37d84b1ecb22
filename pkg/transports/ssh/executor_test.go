package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSSHClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	tests := []struct {
		name           string
		command        string
		expectedExit   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test\n",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error\n",
		},
		{
			name:           "non-zero exit",
			command:        "exit 3",
			expectedExit:   3,
			expectedStderr: "host unreachable\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if result.ExitCode != tt.expectedExit {
				t.Errorf("expected exit %d, got %d", tt.expectedExit, result.ExitCode)
			}
			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, result.Stderr)
			}
			if result.FinishedAt.Before(result.StartedAt) {
				t.Error("finished before started")
			}
		})
	}
}

func TestSSHClientRunCancelSignalsCommand(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, "sleep 10")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	select {
	case sig := <-server.signals:
		if sig != "TERM" {
			t.Errorf("expected TERM, got %s", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command was never signalled")
	}
}

func TestSSHClientRunKillsAfterGrace(t *testing.T) {
	server := newTestSSHServer(t)
	server.ignoreTerm.Store(true)
	client := connectTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 10")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("run did not return promptly after kill")
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case sig := <-server.signals:
			got = append(got, sig)
		case <-timeout:
			t.Fatalf("expected TERM then KILL, got %v", got)
		}
	}
	if strings.Join(got, ",") != "TERM,KILL" {
		t.Errorf("expected TERM,KILL, got %v", got)
	}
}

func TestSSHClientRunNotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(testConfig(server), nopLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Run(context.Background(), "echo test"); err == nil {
		t.Error("expected error when not connected")
	}
}
