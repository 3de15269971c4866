// Package redis publishes transfer completion events to a Redis pub/sub
// channel.
//
// Events are JSON. A failed PUBLISH is retried with exponential backoff.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/transfer"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "jargon.transfers"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBackoff is the wait before the first retry. It doubles per retry.
const DefaultBackoff = 500 * time.Millisecond

// EventType names the only event this package publishes.
const EventType = "transfer_completed"

// Config configures the publisher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Logger  *slog.Logger
}

// ThreadEvent is one worker's share of a transfer.
type ThreadEvent struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is the JSON body of a completion message.
type Event struct {
	EventType        string        `json:"event_type"`
	TransferID       string        `json:"transfer_id"`
	Op               string        `json:"op"`
	Path             string        `json:"path"`
	Outcome          string        `json:"outcome"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	Error            string        `json:"error,omitempty"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Checksum         string        `json:"checksum,omitempty"`
	Attempts         int           `json:"attempts"`
	Threads          []ThreadEvent `json:"threads,omitempty"`
	Timestamp        string        `json:"timestamp"`
}

// NewEvent describes a finished transfer.
func NewEvent(out transfer.Outcome, err error, now time.Time) Event {
	ev := Event{
		EventType:        EventType,
		TransferID:       out.TransferID,
		Op:               out.Op,
		Path:             out.Path,
		Outcome:          "success",
		BytesTransferred: out.BytesTransferred,
		Checksum:         out.Checksum,
		Attempts:         out.Attempts,
		Timestamp:        now.UTC().Format(time.RFC3339),
	}
	if err != nil {
		ev.Outcome = "failure"
		ev.ErrorKind = errors.KindOf(err).String()
		ev.Error = err.Error()
	}
	for _, th := range out.Threads {
		te := ThreadEvent{
			Index:  th.Index,
			Offset: th.Range.Offset,
			Length: th.Range.Length,
			Bytes:  th.Bytes,
			Digest: th.Digest,
		}
		if th.Err != nil {
			te.Error = th.Err.Error()
		}
		ev.Threads = append(ev.Threads, te)
	}
	return ev
}

// Publisher sends completion events via Redis PUBLISH.
type Publisher struct {
	config Config
	client *goredis.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a publisher from cfg.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Publisher, error) {
	const op = "redis.New"
	if cfg.URL == "" {
		return nil, errors.E(op, errors.Invalid, errors.Str("notifier requires a URL"))
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, fmt.Errorf("invalid URL: %w", err))
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Retries < 0 {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("retries must be >= 0, got %d", cfg.Retries))
	}
	return &Publisher{
		config: cfg,
		client: goredis.NewClient(opts),
		logger: logging.OrDiscard(cfg.Logger),
		now:    time.Now,
	}, nil
}

// Channel returns the channel events are published to.
func (p *Publisher) Channel() string { return p.config.Channel }

// Publish sends ev to the configured channel, retrying failures.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	var lastErr error
	attempts := 1 + p.config.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * p.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.client.Publish(publishCtx, p.config.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
		p.logger.Debug("publish failed", "attempt", i+1, "error", lastErr)
	}
	return errors.E(errors.Transport, fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr))
}

// TransferFinished publishes the outcome of a transfer. Publish failures
// are only logged.
func (p *Publisher) TransferFinished(ctx context.Context, out transfer.Outcome, err error) {
	ev := NewEvent(out, err, p.now())
	if perr := p.Publish(ctx, ev); perr != nil {
		p.logger.Warn("transfer notification dropped", "transfer_id", out.TransferID, "error", perr)
	}
}

// Close releases the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ transfer.Observer = (*Publisher)(nil)
