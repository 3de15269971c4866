package session

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/tlsconf"
	"github.com/mataphp/jargon/internal/wsconn"
)

const defaultHandshakeTimeout = 30 * time.Second

// Factory opens sessions to one endpoint. It holds no process-wide state;
// callers own it and every Session it returns.
type Factory struct {
	// Endpoint is tcp://host:port or ws(s)://host:port/path.
	Endpoint    string
	Credentials negotiation.Credentials
	Offer       negotiation.Offer
	// TLSConfig is used when negotiation secures the control channel.
	// Nil trusts any server certificate.
	TLSConfig        *tls.Config
	Pipeline         config.Pipeline
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// NewFactory builds a factory from client configuration.
func NewFactory(cfg config.ClientConfig, logger *slog.Logger) (*Factory, error) {
	const op = "session.NewFactory"
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	policy, err := negotiation.ParsePolicy(cfg.Negotiation.Policy)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	return &Factory{
		Endpoint: cfg.Endpoint,
		Credentials: negotiation.Credentials{
			User:     cfg.User,
			Zone:     cfg.Zone,
			Password: cfg.Password,
		},
		Offer:    negotiation.Offer{Policy: policy, Algorithms: cfg.Negotiation.Algorithms},
		Pipeline: cfg.Pipeline.Normalize(),
		Logger:   logging.OrDiscard(logger),
	}, nil
}

// Open dials the endpoint, negotiates, authenticates and returns an active
// session. Negotiation failures are never retried.
func (f *Factory) Open(ctx context.Context) (*Session, error) {
	const op = "session.Open"
	logger := logging.OrDiscard(f.Logger)

	conn, host, err := f.dial(ctx)
	if err != nil {
		return nil, errors.E(op, err)
	}

	timeout := f.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	m := negotiation.NewMachine()
	cfg, err := negotiation.Client(conn, m, f.Offer)
	if err != nil {
		conn.Close()
		logger.Warn("negotiation failed", "endpoint", f.Endpoint, "reason", errors.ReasonOf(err), "error", err)
		return nil, errors.E(op, err)
	}
	logger.Debug("negotiation complete", "endpoint", f.Endpoint, "state", m.State(),
		"algorithm", cfg.EncryptionAlgorithm, "key_size", cfg.KeySize)

	if cfg.Secured {
		tlsCfg := f.TLSConfig
		if tlsCfg == nil {
			tlsCfg = tlsconf.ClientConfig(nil, host, tlsconf.ControlALPN)
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.E(op, m.Fail(errors.TransportError, err))
		}
		conn = tlsConn
	}

	if err := negotiation.Authenticate(conn, m, f.Credentials); err != nil {
		conn.Close()
		logger.Warn("authentication failed", "endpoint", f.Endpoint, "user", f.Credentials.User, "reason", errors.ReasonOf(err))
		return nil, errors.E(op, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Info("session established", "endpoint", f.Endpoint, "user", f.Credentials.User,
		"zone", f.Credentials.Zone, "secured", cfg.Secured)
	pipeline := f.Pipeline.Normalize()
	return newSession(conn, cfg, pipeline, f.Credentials, f.Endpoint, logger), nil
}

func (f *Factory) dial(ctx context.Context) (net.Conn, string, error) {
	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return nil, "", errors.E(errors.Invalid, err)
	}
	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, "", errors.E(errors.Transport, errors.TransportError, err)
		}
		return conn, u.Hostname(), nil
	case "ws", "wss":
		conn, err := wsconn.Dial(ctx, f.Endpoint, f.Logger)
		if err != nil {
			return nil, "", errors.E(errors.Transport, errors.TransportError, err)
		}
		return conn, u.Hostname(), nil
	default:
		return nil, "", errors.E(errors.Invalid, errors.Errorf("unsupported endpoint scheme %q", u.Scheme))
	}
}
