// Package gridtest starts reference grid servers for tests.
package gridtest

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/gridserver"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/session"
)

// Zone is the zone every test grid serves.
const Zone = "testZone"

// Users are the accounts every test grid knows, user -> password.
var Users = map[string]string{
	gridserver.AdminUser: "rods",
	"alice":              "alice-secret",
}

// Grid is a running server reachable over TCP and websocket.
type Grid struct {
	Server *gridserver.Server
	// Endpoint is the tcp:// control endpoint.
	Endpoint string
	// WSEndpoint is the ws:// control endpoint.
	WSEndpoint string
}

// Start runs a server with opts until the test ends. Zone and Users are
// filled in when empty.
func Start(t testing.TB, opts gridserver.Options) *Grid {
	t.Helper()
	if opts.Zone == "" {
		opts.Zone = Zone
	}
	if opts.Users == nil {
		opts.Users = Users
	}
	srv, err := gridserver.New(opts)
	if err != nil {
		t.Fatalf("gridserver.New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	ws := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Close()
		ws.Close()
	})
	return &Grid{
		Server:     srv,
		Endpoint:   "tcp://" + ln.Addr().String(),
		WSEndpoint: "ws" + strings.TrimPrefix(ws.URL, "http") + "/",
	}
}

// Factory returns a session factory for user on the TCP endpoint.
func (g *Grid) Factory(user string, policy negotiation.Policy, pipeline config.Pipeline) *session.Factory {
	return &session.Factory{
		Endpoint: g.Endpoint,
		Credentials: negotiation.Credentials{
			User:     user,
			Zone:     g.Server.Zone(),
			Password: Users[user],
		},
		Offer:            negotiation.Offer{Policy: policy},
		Pipeline:         pipeline,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Open opens a session for user and closes it when the test ends.
func (g *Grid) Open(t testing.TB, user string, policy negotiation.Policy, pipeline config.Pipeline) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := g.Factory(user, policy, pipeline).Open(ctx)
	if err != nil {
		t.Fatalf("open session for %s: %v", user, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Home returns user's home collection.
func (g *Grid) Home(user string) string {
	return "/" + g.Server.Zone() + "/home/" + user
}
