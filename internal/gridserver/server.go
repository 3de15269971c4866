// Package gridserver is an in-process grid: it speaks the server half of the
// control protocol, keeps a catalog and a vault, and serves parallel
// transfer data channels. cmd/gridserv runs it as a binary and the client
// packages test against it.
package gridserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/query"
	"github.com/mataphp/jargon/internal/tlsconf"
	"github.com/mataphp/jargon/internal/wsconn"
	"github.com/mataphp/jargon/pkg/protocol"
)

const (
	// AdminUser owns the root collection and may write anywhere.
	AdminUser = "rods"

	handshakeTimeout = 30 * time.Second
	completeTimeout  = 30 * time.Second
	defaultCookieTTL = 5 * time.Minute
)

// Options configures a Server. Zero values get defaults.
type Options struct {
	Zone        string
	Offer       negotiation.Offer
	Users       map[string]string // user -> password
	DataHost    string
	CookieTTL   time.Duration
	Certificate tls.Certificate
	Catalog     *Catalog
	Vault       *Vault
	Faults      *Faults
	Limits      Limits
	Logger      *slog.Logger
}

// Server is a reference grid server.
type Server struct {
	zone     string
	offer    negotiation.Offer
	users    map[string]string
	dataHost string
	cert     tls.Certificate
	faults   *Faults

	catalog   *Catalog
	vault     *Vault
	ownsStore bool
	cookies   *CookieStore
	registry  *Registry
	ipLimit   *ipLimiter
	connLimit *connLimiter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
}

// New creates a server and seeds the zone and home collections for every
// user.
func New(opts Options) (*Server, error) {
	const op = "gridserver.New"
	logger := logging.OrDiscard(opts.Logger)
	if opts.Zone == "" {
		opts.Zone = "tempZone"
	}
	if opts.DataHost == "" {
		opts.DataHost = "127.0.0.1"
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = defaultCookieTTL
	}
	if len(opts.Certificate.Certificate) == 0 {
		cert, err := tlsconf.DefaultCertificate()
		if err != nil {
			return nil, errors.E(op, err)
		}
		opts.Certificate = cert
	}

	s := &Server{
		zone:      opts.Zone,
		offer:     opts.Offer,
		users:     opts.Users,
		dataHost:  opts.DataHost,
		cert:      opts.Certificate,
		faults:    opts.Faults,
		catalog:   opts.Catalog,
		vault:     opts.Vault,
		cookies:   NewCookieStore(opts.CookieTTL),
		registry:  NewRegistry(),
		ipLimit:   newIPLimiter(opts.Limits.ConnectsPerMin, opts.Limits.ConnectsBurst),
		connLimit: newConnLimiter(opts.Limits.MaxConnections),
		logger:    logger,
	}
	if s.users == nil {
		s.users = map[string]string{AdminUser: AdminUser}
	}
	if s.catalog == nil || s.vault == nil {
		s.ownsStore = true
	}
	if s.catalog == nil {
		c, err := OpenCatalog("", logger)
		if err != nil {
			return nil, errors.E(op, err)
		}
		s.catalog = c
	}
	if s.vault == nil {
		v, err := OpenVault("")
		if err != nil {
			return nil, errors.E(op, err)
		}
		s.vault = v
	}

	home := "/" + s.zone + "/home"
	if err := s.catalog.Mkdir(home, AdminUser, s.zone, true); err != nil {
		return nil, errors.E(op, err)
	}
	for user := range s.users {
		if err := s.catalog.Mkdir(home+"/"+user, user, s.zone, true); err != nil {
			return nil, errors.E(op, err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.janitor(opts.CookieTTL)
	return s, nil
}

// NewFromConfig builds a server from the gridserv command line.
func NewFromConfig(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	const op = "gridserver.NewFromConfig"
	policy, err := negotiation.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad user entry %q, want user:password", u))
		}
		users[name] = pass
	}
	catalog, err := OpenCatalog(cfg.DataDir, logger)
	if err != nil {
		return nil, errors.E(op, err)
	}
	vault, err := OpenVault(cfg.VaultDir)
	if err != nil {
		catalog.Close()
		return nil, errors.E(op, err)
	}
	s, err := New(Options{
		Zone:      cfg.Zone,
		Offer:     negotiation.Offer{Policy: policy},
		Users:     users,
		DataHost:  cfg.DataHost,
		CookieTTL: cfg.CookieTTL,
		Catalog:   catalog,
		Vault:     vault,
		Limits: Limits{
			ConnectsPerMin: cfg.ConnectsPerMin,
			ConnectsBurst:  cfg.ConnectsBurst,
			MaxConnections: cfg.MaxConnections,
		},
		Logger: logger,
	})
	if err != nil {
		catalog.Close()
		vault.Close()
		return nil, err
	}
	s.ownsStore = true
	return s, nil
}

// Catalog returns the server's catalog.
func (s *Server) Catalog() *Catalog { return s.catalog }

// Zone returns the server's zone name.
func (s *Server) Zone() string { return s.zone }

// Connections lists the live control connections.
func (s *Server) Connections() []ConnInfo { return s.registry.List() }

func (s *Server) janitor(ttl time.Duration) {
	defer s.wg.Done()
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.cookies.CleanupExpired(now); n > 0 {
				s.logger.Debug("expired data channel cookies", "count", n)
			}
		}
	}
}

// Serve accepts control connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.E("gridserver.Serve", errors.Transport, err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs one control connection to completion.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.admit(remoteHost(conn.RemoteAddr())) {
		s.logger.Warn("connection refused by limits", "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	defer s.connLimit.Release()
	s.serve(conn)
}

// WSHandler serves control connections over websocket.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admit(clientIP(r)) {
			sendError(w, http.StatusTooManyRequests, "connection limit exceeded")
			return
		}
		defer s.connLimit.Release()
		conn, err := wsconn.Upgrade(w, r, s.logger)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.serve(conn)
	})
}

// Handler serves the health and connection endpoints and hands every other
// path to the websocket gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          !s.closed.Load(),
			"zone":        s.zone,
			"connections": s.registry.Count(),
		})
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.registry.List()); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	})
	mux.Handle("/", s.WSHandler())
	return mux
}

// admit applies the rate and concurrency limits. A true result holds a
// connection slot the caller must release.
func (s *Server) admit(host string) bool {
	if s.closed.Load() || !s.ipLimit.Allow(host) {
		return false
	}
	return s.connLimit.Acquire()
}

// Close stops listeners, drops every connection and waits for them.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()
	s.registry.CloseAll()
	s.wg.Wait()

	if !s.ownsStore {
		return nil
	}
	err := s.catalog.Close()
	if verr := s.vault.Close(); err == nil {
		err = verr
	}
	return err
}

func (s *Server) lookup(user, zone string) (string, bool) {
	if zone != s.zone {
		return "", false
	}
	pw, ok := s.users[user]
	return pw, ok
}

// connState is what one authenticated control connection owns.
type connState struct {
	id        string
	user      string
	cfg       negotiation.Configuration
	logger    *slog.Logger
	transfers map[string]*parallelTransfer
}

func (cs *connState) abortAll() {
	for id, t := range cs.transfers {
		t.abort("control connection closed")
		delete(cs.transfers, id)
	}
}

func (s *Server) serve(conn net.Conn) {
	id := uuid.NewString()
	remove := s.registry.Add(ConnInfo{ID: id, Remote: conn.RemoteAddr().String(), Connected: time.Now()}, conn)
	defer remove()
	defer conn.Close()
	logger := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
	defer cancel()
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	m := negotiation.NewMachine()
	cfg, err := negotiation.Server(conn, m, s.offer)
	if err != nil {
		logger.Warn("negotiation failed", "reason", m.Reason(), "error", err)
		return
	}
	var rw net.Conn = conn
	if cfg.Secured {
		tconn := tls.Server(conn, tlsconf.ServerConfig(s.cert, tlsconf.ControlALPN))
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = m.Fail(errors.TransportError, err)
			logger.Warn("tls handshake failed", "error", err)
			return
		}
		rw = tconn
	}
	creds, err := negotiation.Verify(rw, m, s.lookup)
	if err != nil {
		logger.Warn("authentication failed", "reason", m.Reason(), "error", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})
	s.registry.SetUser(id, creds.User)
	logger = logger.With("user", creds.User)
	logger.Info("control connection ready", "secured", cfg.Secured, "algorithm", cfg.EncryptionAlgorithm)

	cs := &connState{id: id, user: creds.User, cfg: cfg, logger: logger, transfers: make(map[string]*parallelTransfer)}
	defer cs.abortAll()

	for {
		env, err := protocol.ReadFrame(rw)
		if err != nil {
			if err != io.EOF && !s.closed.Load() {
				logger.Debug("control read ended", "error", err)
			}
			return
		}
		if env.Type == protocol.TypeDisconnect {
			logger.Debug("client disconnected")
			return
		}
		msgType, payload := s.dispatch(s.ctx, cs, env)
		out, err := protocol.NewEnvelope(msgType, env.MsgID, payload)
		if err != nil {
			logger.Error("encode reply failed", "type", msgType, "error", err)
			out, _ = protocol.NewEnvelope(protocol.TypeError, env.MsgID, protocol.Error{Code: protocol.CodeInternal, Message: err.Error()})
		}
		if err := protocol.WriteFrame(rw, out); err != nil {
			logger.Debug("control write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cs *connState, env protocol.Envelope) (string, any) {
	if err := env.ValidateBasic(); err != nil {
		return errorReply(errors.E(errors.Protocol, err))
	}
	switch env.Type {
	case protocol.TypeQuery:
		var req protocol.Query
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		q, err := query.Parse(req.Query)
		if err != nil {
			return errorReply(err)
		}
		page, err := RunQuery(s.catalog, q, req.StartIndex, req.PageSize)
		if err != nil {
			return errorReply(err)
		}
		return protocol.TypeQueryPage, page

	case protocol.TypeObjStat:
		var req protocol.ObjStat
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		o, err := s.catalog.Stat(req.Path)
		if err != nil {
			return errorReply(err)
		}
		return protocol.TypeObjStatResult, protocol.ObjStatResult{
			Path:       o.Path,
			Type:       o.Type,
			Size:       o.Size,
			Owner:      o.Owner,
			Zone:       o.Zone,
			CreateTime: o.CreateTime,
			ModifyTime: o.ModifyTime,
			Checksum:   o.Checksum,
		}

	case protocol.TypeMkdir:
		var req protocol.Mkdir
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		if err := s.checkWriteAccess(cs.user, req.Path); err != nil {
			return errorReply(err)
		}
		if err := s.catalog.Mkdir(req.Path, cs.user, s.zone, req.Parents); err != nil {
			return errorReply(err)
		}
		cs.logger.Debug("collection created", "path", req.Path)
		return protocol.TypeOK, protocol.OK{}

	case protocol.TypeParallelOpen:
		var req protocol.ParallelOpen
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		plan, err := s.openTransfer(cs, req)
		if err != nil {
			return errorReply(err)
		}
		return protocol.TypeParallelPlan, plan

	case protocol.TypeParallelComplete:
		var req protocol.ParallelComplete
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		res, err := s.completeTransfer(ctx, cs, req.TransferID)
		if err != nil {
			return errorReply(err)
		}
		return protocol.TypeParallelResult, res

	case protocol.TypeParallelAbort:
		var req protocol.ParallelAbort
		if err := env.DecodePayload(&req); err != nil {
			return errorReply(errors.E(errors.Protocol, err))
		}
		if t, ok := cs.transfers[req.TransferID]; ok {
			t.abort(req.Reason)
			delete(cs.transfers, req.TransferID)
			cs.logger.Info("parallel transfer aborted by client", "transfer_id", req.TransferID, "reason", req.Reason)
		}
		return protocol.TypeOK, protocol.OK{}
	}
	return errorReply(errors.E(errors.Protocol, errors.Errorf("unknown message type %q", env.Type)))
}

// checkWriteAccess requires user to own or be able to modify the nearest
// existing ancestor of p.
func (s *Server) checkWriteAccess(user, p string) error {
	if user == AdminUser {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return errors.E(errors.Path(p), errors.Invalid, errors.Str("path is not absolute"))
	}
	dir := path.Dir(path.Clean(p))
	for {
		o, err := s.catalog.Stat(dir)
		if err == nil {
			for _, ace := range o.ACL {
				if ace.User == user && (ace.Level == AccessOwn || ace.Level == AccessWrite) {
					return nil
				}
			}
			return errors.E(errors.Path(p), errors.Negotiation, errors.Errorf("user %s may not write under %s", user, dir))
		}
		if !errors.Is(errors.NotFound, err) || dir == "/" {
			return err
		}
		dir = path.Dir(dir)
	}
}

func errorReply(err error) (string, any) {
	code := protocol.CodeInternal
	switch errors.KindOf(err) {
	case errors.NotFound:
		code = protocol.CodeNotFound
	case errors.Invalid:
		code = protocol.CodeInvalid
	case errors.Protocol:
		code = protocol.CodeProtocol
	case errors.Integrity:
		code = protocol.CodeIntegrity
	case errors.Negotiation:
		code = protocol.CodeDenied
	}
	return protocol.TypeError, protocol.Error{Code: code, Message: err.Error()}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
