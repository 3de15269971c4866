// Package grid assembles a connected client: one authenticated session with
// the listing façade, the parallel transfer engine and the optional
// completion notifier layered on top of it.
package grid

import (
	"context"
	"log/slog"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/listing"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/notify/redis"
	"github.com/mataphp/jargon/internal/quictransport"
	"github.com/mataphp/jargon/internal/session"
	"github.com/mataphp/jargon/internal/transfer"
)

// Client is a connected grid client. It is not safe for concurrent use
// beyond what Session allows.
type Client struct {
	Session *session.Session
	Lister  *listing.Lister
	Engine  *transfer.Engine

	notifier *redis.Publisher
	logger   *slog.Logger
}

// Connect opens a session described by cfg and wires the client on top.
func Connect(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) (*Client, error) {
	const op = "grid.Connect"
	logger = logging.OrDiscard(logger)
	f, err := session.NewFactory(cfg, logger)
	if err != nil {
		return nil, errors.E(op, err)
	}

	var notifier *redis.Publisher
	if cfg.Notify.RedisURL != "" {
		notifier, err = redis.New(redis.Config{
			URL:     cfg.Notify.RedisURL,
			Channel: cfg.Notify.Channel,
			Retries: redis.DefaultRetries,
			Logger:  logger,
		})
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	s, err := f.Open(ctx)
	if err != nil {
		if notifier != nil {
			_ = notifier.Close()
		}
		return nil, errors.E(op, err)
	}
	return New(s, notifier, logger), nil
}

// New wires a client around an open session. notifier may be nil.
func New(s *session.Session, notifier *redis.Publisher, logger *slog.Logger) *Client {
	logger = logging.OrDiscard(logger)
	p := s.Pipeline()
	opts := []transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithDialer(config.DataTransportQUIC, quictransport.NewTunedDialer(p.SocketBufferSize, logger)),
	}
	if notifier != nil {
		opts = append(opts, transfer.WithObserver(notifier))
	}
	return &Client{
		Session:  s,
		Lister:   listing.New(s, p.QueryPageSize, logger),
		Engine:   transfer.NewEngine(s, p, opts...),
		notifier: notifier,
		logger:   logger,
	}
}

// Close closes the session and the notifier.
func (c *Client) Close() error {
	err := c.Session.Close()
	if c.notifier != nil {
		if nerr := c.notifier.Close(); err == nil {
			err = nerr
		}
	}
	return err
}
