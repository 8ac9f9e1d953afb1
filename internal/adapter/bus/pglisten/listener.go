// Package pglisten relays Postgres LISTEN/NOTIFY payloads into the bus hub.
//
// One listener runs per process on a dedicated pool connection. Because the
// repos emit pg_notify inside the transaction that writes the row, a relayed
// envelope always references rows that are already readable, and subscribers
// in any process tail the same stream.
package pglisten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/repo/postgres"
)

// Listener tails the change channel and republishes into the hub.
type Listener struct {
	Pool    *pgxpool.Pool
	Hub     *bus.Hub
	Channel string
}

// New constructs a Listener on the default dashboard_events channel.
func New(pool *pgxpool.Pool, hub *bus.Hub) *Listener {
	return &Listener{Pool: pool, Hub: hub, Channel: postgres.NotifyChannel}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// when the listen connection drops. Envelopes missed during a reconnect are
// not replayed; stream consumers resync via periodic snapshots.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; only ctx stops the listener

	op := func() error {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("listen connection lost, reconnecting", slog.Any("error", err))
			return err
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=pglisten.acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+l.Channel); err != nil {
		return fmt.Errorf("op=pglisten.listen: %w", err)
	}
	slog.Info("listening for change notifications", slog.String("channel", l.Channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("op=pglisten.wait: %w", err)
		}
		env, err := decodeEnvelope([]byte(n.Payload))
		if err != nil {
			slog.Warn("dropping undecodable notification", slog.Any("error", err))
			continue
		}
		l.Hub.Publish(env)
	}
}

// decodeEnvelope parses one change-channel payload.
func decodeEnvelope(payload []byte) (bus.Envelope, error) {
	var env bus.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return bus.Envelope{}, fmt.Errorf("op=pglisten.decode: %w", err)
	}
	if env.JobID == "" && env.ConversationID == "" {
		return bus.Envelope{}, fmt.Errorf("op=pglisten.decode: %w", errors.New("payload names no job or conversation"))
	}
	return env, nil
}
