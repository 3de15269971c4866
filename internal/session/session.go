// Package session owns one authenticated control channel to a grid endpoint.
package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/pkg/protocol"
)

const disconnectTimeout = 2 * time.Second

// Session is one control channel. Only one request is in flight at a time;
// the lock is held for the full round trip.
type Session struct {
	mu       sync.Mutex
	conn     net.Conn
	cfg      negotiation.Configuration
	pipeline config.Pipeline
	creds    negotiation.Credentials
	endpoint string
	logger   *slog.Logger

	lastActivity atomic.Int64
	broken       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

func newSession(conn net.Conn, cfg negotiation.Configuration, pipeline config.Pipeline, creds negotiation.Credentials, endpoint string, logger *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		pipeline: pipeline,
		creds:    negotiation.Credentials{User: creds.User, Zone: creds.Zone},
		endpoint: endpoint,
		logger:   logging.OrDiscard(logger),
	}
	s.touch()
	return s
}

// Configuration returns the negotiated configuration. It never changes.
func (s *Session) Configuration() negotiation.Configuration { return s.cfg }

// Pipeline returns the pipeline configuration the session was opened with.
func (s *Session) Pipeline() config.Pipeline { return s.pipeline }

// User returns the authenticated user and zone. The password is not kept.
func (s *Session) User() (user, zone string) { return s.creds.User, s.creds.Zone }

// Endpoint returns the endpoint the session is connected to.
func (s *Session) Endpoint() string { return s.endpoint }

// LastActivity returns when the last round trip completed.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Send writes req and blocks until its response arrives, ctx is done, or
// the request timeout elapses. Any I/O failure breaks the session.
func (s *Session) Send(ctx context.Context, req protocol.Envelope) (protocol.Envelope, error) {
	const op = "session.Send"
	if s.broken.Load() {
		return protocol.Envelope{}, errors.E(op, errors.Transport, errors.Str("session is closed or broken"))
	}
	if err := req.ValidateBasic(); err != nil {
		return protocol.Envelope{}, errors.E(op, errors.Invalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken.Load() {
		return protocol.Envelope{}, errors.E(op, errors.Transport, errors.Str("session is closed or broken"))
	}

	_ = s.conn.SetDeadline(time.Now().Add(s.pipeline.RequestTimeout))
	defer s.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteFrame(s.conn, req); err != nil {
		if !protocol.IsFatalFrameError(err) {
			return protocol.Envelope{}, errors.E(op, errors.Invalid, err)
		}
		return protocol.Envelope{}, s.fail(ctx, op, err)
	}
	resp, err := protocol.ReadFrame(s.conn)
	if err != nil {
		if !protocol.IsFatalFrameError(err) && err != io.EOF {
			// The frame was consumed whole, so the stream is still aligned.
			return protocol.Envelope{}, errors.E(op, errors.Protocol, err)
		}
		return protocol.Envelope{}, s.fail(ctx, op, err)
	}
	if err := resp.ValidateBasic(); err != nil {
		return protocol.Envelope{}, errors.E(op, errors.Protocol, err)
	}
	if resp.MsgID != req.MsgID {
		s.broken.Store(true)
		return protocol.Envelope{}, errors.E(op, errors.Protocol, errors.Errorf("response %s answers %s, want %s", resp.Type, resp.MsgID, req.MsgID))
	}
	s.touch()
	return resp, nil
}

func (s *Session) fail(ctx context.Context, op string, err error) error {
	s.broken.Store(true)
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	s.logger.Warn("control channel failed", "endpoint", s.endpoint, "error", err)
	return errors.E(op, errors.Transport, err)
}

// Call sends a msgType request carrying req and decodes the response into
// resp. Remote error messages are mapped to error kinds.
func (s *Session) Call(ctx context.Context, msgType string, req, resp any) error {
	const op = "session.Call"
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), req)
	if err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	reply, err := s.Send(ctx, env)
	if err != nil {
		return err
	}
	if reply.Type == protocol.TypeError {
		var remote protocol.Error
		if err := reply.DecodePayload(&remote); err != nil {
			return errors.E(op, errors.Protocol, err)
		}
		return RemoteError(msgType, remote)
	}
	if want := replyType(msgType); reply.Type != want {
		return errors.E(op, errors.Protocol, errors.Errorf("%s answered with %s, want %s", msgType, reply.Type, want))
	}
	if resp == nil || (reply.Type == protocol.TypeOK && len(reply.Payload) == 0) {
		return nil
	}
	if err := reply.DecodePayload(resp); err != nil {
		return errors.E(op, errors.Protocol, err)
	}
	return nil
}

// replyType returns the message type a successful request is answered with.
func replyType(msgType string) string {
	switch msgType {
	case protocol.TypeQuery:
		return protocol.TypeQueryPage
	case protocol.TypeObjStat:
		return protocol.TypeObjStatResult
	case protocol.TypeParallelOpen:
		return protocol.TypeParallelPlan
	case protocol.TypeParallelComplete:
		return protocol.TypeParallelResult
	default:
		return protocol.TypeOK
	}
}

// RemoteError converts an error message from the server into an *errors.Error.
func RemoteError(op string, remote protocol.Error) error {
	kind := errors.Other
	switch remote.Code {
	case protocol.CodeNotFound:
		kind = errors.NotFound
	case protocol.CodeInvalid:
		kind = errors.Invalid
	case protocol.CodeProtocol:
		kind = errors.Protocol
	case protocol.CodeIntegrity:
		kind = errors.Integrity
	case protocol.CodeDenied:
		kind = errors.Negotiation
	}
	return errors.E(op, kind, errors.Errorf("remote %s: %s", remote.Code, remote.Message))
}

// MakeCollection creates the collection at path. With parents set, missing
// ancestors are created too.
func (s *Session) MakeCollection(ctx context.Context, path string, parents bool) error {
	if err := s.Call(ctx, protocol.TypeMkdir, protocol.Mkdir{Path: path, Parents: parents}, nil); err != nil {
		return errors.E("session.MakeCollection", errors.Path(path), err)
	}
	return nil
}

// Close releases the control channel. It is safe to call more than once
// and after a failure.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		wasBroken := s.broken.Swap(true)
		// A request in flight is cut off rather than waited for.
		idle := s.mu.TryLock()
		if idle {
			defer s.mu.Unlock()
		}
		if !wasBroken && idle {
			_ = s.conn.SetWriteDeadline(time.Now().Add(disconnectTimeout))
			if env, err := protocol.NewEnvelope(protocol.TypeDisconnect, protocol.NewMsgID(), nil); err == nil {
				_ = protocol.WriteFrame(s.conn, env)
			}
		}
		s.closeErr = s.conn.Close()
		s.logger.Debug("session closed", "endpoint", s.endpoint)
	})
	return s.closeErr
}
