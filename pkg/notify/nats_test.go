package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

type fakeConn struct {
	msgs    []*nats.Msg
	err     error
	closed  bool
	drained bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) IsClosed() bool { return f.closed }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func testEvent() engine.ProgressEvent {
	return engine.ProgressEvent{
		ID:              "3f2a9c1e-0000-4000-8000-000000000001",
		Seq:             7,
		RequestID:       "REQ20261016093000-abc123",
		Machine:         "pc-042.corp.local",
		Task:            "install_office",
		Status:          engine.TaskStatusCompleted,
		Progress:        100,
		MachineProgress: 50,
		Attempt:         1,
		Timestamp:       time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC),
	}
}

func TestPublisherPublish(t *testing.T) {
	fc := &fakeConn{}
	p := &Publisher{nc: fc, subject: "fleetsetup.progress", logger: zerolog.Nop()}

	if err := p.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fc.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fc.msgs))
	}

	msg := fc.msgs[0]
	if msg.Subject != "fleetsetup.progress.REQ20261016093000-abc123.pc-042_corp_local" {
		t.Errorf("subject = %s", msg.Subject)
	}
	if msg.Header.Get(nats.MsgIdHdr) != testEvent().ID {
		t.Errorf("message id = %q", msg.Header.Get(nats.MsgIdHdr))
	}
	if msg.Header.Get("Fleetsetup-Status") != string(engine.TaskStatusCompleted) {
		t.Errorf("status header = %q", msg.Header.Get("Fleetsetup-Status"))
	}

	var got engine.ProgressEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Seq != 7 || got.Task != "install_office" || got.MachineProgress != 50 {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublisherErrors(t *testing.T) {
	t.Run("closed connection", func(t *testing.T) {
		p := &Publisher{nc: &fakeConn{closed: true}, subject: "s", logger: zerolog.Nop()}
		if err := p.Publish(context.Background(), testEvent()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("publish failure", func(t *testing.T) {
		fc := &fakeConn{err: nats.ErrMaxPayload}
		p := &Publisher{nc: fc, subject: "s", logger: zerolog.Nop()}
		if err := p.Publish(context.Background(), testEvent()); !errors.Is(err, nats.ErrMaxPayload) {
			t.Errorf("expected wrapped ErrMaxPayload, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		fc := &fakeConn{}
		p := &Publisher{nc: fc, subject: "s", logger: zerolog.Nop()}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := p.Publish(ctx, testEvent()); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if len(fc.msgs) != 0 {
			t.Error("published despite cancelled context")
		}
	})
}

func TestPublisherClose(t *testing.T) {
	fc := &fakeConn{}
	p := &Publisher{nc: fc, subject: "s", logger: zerolog.Nop()}
	p.Close()
	if !fc.drained || !fc.closed {
		t.Errorf("drained=%t closed=%t", fc.drained, fc.closed)
	}
}

func TestEventSubject(t *testing.T) {
	tests := []struct {
		requestID string
		machine   string
		want      string
	}{
		{"REQ1", "pc-1", "base.REQ1.pc-1"},
		{"REQ1", "", "base.REQ1.*"},
		{"REQ1", "pc 1>x*", "base.REQ1.pc_1_x_"},
	}
	for _, tt := range tests {
		if got := EventSubject("base", tt.requestID, tt.machine); got != tt.want {
			t.Errorf("EventSubject(%q, %q) = %q, want %q", tt.requestID, tt.machine, got, tt.want)
		}
	}
}

func TestNewPublisherRequiresSubject(t *testing.T) {
	if _, err := NewPublisher("nats://127.0.0.1:4222", "", zerolog.Nop()); err == nil {
		t.Error("expected error")
	}
}

func TestNewPublisherUnreachable(t *testing.T) {
	// Port 1 is reserved and refuses connections.
	if _, err := NewPublisher("nats://127.0.0.1:1", "fleetsetup.progress", zerolog.Nop()); err == nil {
		t.Error("expected connection error")
	}
}
