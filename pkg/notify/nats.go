// Package notify fans progress events out to NATS so dashboards and other
// tools can follow a request live. The store remains the system of record;
// publishing is best-effort.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

var _ engine.EventSink = (*Publisher)(nil)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	IsClosed() bool
	Drain() error
	Close()
}

// Publisher publishes progress events to
// <subject>.<request id>.<machine>.
type Publisher struct {
	nc      conn
	subject string
	logger  zerolog.Logger
}

// Options returns the connection options shared by publishers and followers.
func Options(name string, logger zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string, logger zerolog.Logger) (*Publisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	logger = logger.With().Str("component", "nats-publisher").Logger()

	nc, err := nats.Connect(url, Options("fleetsetup", logger)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Str("subject", subject).Msg("Publishing progress events to NATS")

	return &Publisher{nc: nc, subject: subject, logger: logger}, nil
}

// Publish sends event as JSON. The event ID is set as the message ID so
// JetStream streams can drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, event engine.ProgressEvent) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(EventSubject(p.subject, event.RequestID, event.Machine))
	msg.Data = data
	if event.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, event.ID)
	}
	msg.Header.Set("Fleetsetup-Status", string(event.Status))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Debug().Err(err).Msg("NATS drain failed")
	}
	p.nc.Close()
}

// EventSubject returns the subject of events for one machine of a request.
// Empty tokens become wildcards, so EventSubject(base, id, "") matches every
// machine of a request.
func EventSubject(base, requestID, machine string) string {
	return strings.Join([]string{base, token(requestID), token(machine)}, ".")
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "*"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Follow subscribes to the events of requestID and calls fn for each until
// ctx is done.
func Follow(ctx context.Context, url, subject, requestID string, logger zerolog.Logger, fn func(engine.ProgressEvent)) error {
	logger = logger.With().Str("component", "nats-follower").Logger()

	nc, err := nats.Connect(url, Options("fleetsetup-follow", logger)...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(EventSubject(subject, requestID, ""), ch)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			var event engine.ProgressEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed event")
				continue
			}
			fn(event)
		}
	}
}
