package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/gridserver"
	"github.com/mataphp/jargon/internal/gridserver/gridtest"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/session"
	"github.com/mataphp/jargon/pkg/protocol"
)

func statHome(t *testing.T, g *gridtest.Grid, call func(context.Context, string, any, any) error, user string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var res protocol.ObjStatResult
	if err := call(ctx, protocol.TypeObjStat, protocol.ObjStat{Path: g.Home(user)}, &res); err != nil {
		t.Fatalf("obj_stat error = %v", err)
	}
	if res.Type != protocol.ObjectTypeCollection || res.Owner != user {
		t.Errorf("home = %+v", res)
	}
}

func TestFactoryOpen(t *testing.T) {
	tests := []struct {
		name       string
		server     negotiation.Policy
		client     negotiation.Policy
		ws         bool
		wantSecure bool
	}{
		{name: "dont_care both ends", server: negotiation.DontCare, client: negotiation.DontCare, wantSecure: true},
		{name: "client refuses", server: negotiation.DontCare, client: negotiation.Refuse},
		{name: "server requires", server: negotiation.Require, client: negotiation.DontCare, wantSecure: true},
		{name: "websocket plain", server: negotiation.Refuse, client: negotiation.DontCare, ws: true},
		{name: "websocket secured", server: negotiation.Require, client: negotiation.Require, ws: true, wantSecure: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := gridtest.Start(t, gridserver.Options{Offer: negotiation.Offer{Policy: tt.server}})
			f := g.Factory("alice", tt.client, config.DefaultPipeline())
			if tt.ws {
				f.Endpoint = g.WSEndpoint
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s, err := f.Open(ctx)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()

			cfg := s.Configuration()
			if cfg.Secured != tt.wantSecure {
				t.Errorf("Secured = %v, want %v", cfg.Secured, tt.wantSecure)
			}
			if tt.wantSecure && cfg.EncryptionAlgorithm != "AES-256-CBC" {
				t.Errorf("EncryptionAlgorithm = %s, want AES-256-CBC", cfg.EncryptionAlgorithm)
			}
			if user, zone := s.User(); user != "alice" || zone != gridtest.Zone {
				t.Errorf("User() = %s#%s", user, zone)
			}
			statHome(t, g, s.Call, "alice")
		})
	}
}

func TestFactoryOpen_PolicyMismatch(t *testing.T) {
	g := gridtest.Start(t, gridserver.Options{Offer: negotiation.Offer{Policy: negotiation.Refuse}})
	f := g.Factory("alice", negotiation.Require, config.DefaultPipeline())

	_, err := f.Open(context.Background())
	if !errors.Is(errors.Negotiation, err) {
		t.Fatalf("Open() error = %v, want Negotiation", err)
	}
	if reason := errors.ReasonOf(err); reason != errors.PolicyMismatch {
		t.Errorf("ReasonOf() = %q, want %q", reason, errors.PolicyMismatch)
	}
}

func TestFactoryOpen_BadCredentials(t *testing.T) {
	g := gridtest.Start(t, gridserver.Options{})

	tests := []struct {
		name string
		edit func(*negotiation.Credentials)
	}{
		{name: "wrong password", edit: func(c *negotiation.Credentials) { c.Password = "nope" }},
		{name: "unknown user", edit: func(c *negotiation.Credentials) { c.User = "mallory" }},
		{name: "wrong zone", edit: func(c *negotiation.Credentials) { c.Zone = "otherZone" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := g.Factory("alice", negotiation.DontCare, config.DefaultPipeline())
			tt.edit(&f.Credentials)
			_, err := f.Open(context.Background())
			if reason := errors.ReasonOf(err); reason != errors.CredentialRejected {
				t.Fatalf("Open() error = %v, reason %q, want %q", err, reason, errors.CredentialRejected)
			}
		})
	}
}

func TestFactoryOpen_Unreachable(t *testing.T) {
	f := &session.Factory{
		Endpoint:    "tcp://127.0.0.1:1",
		Credentials: negotiation.Credentials{User: "alice", Zone: gridtest.Zone},
	}
	_, err := f.Open(context.Background())
	if !errors.Is(errors.Transport, err) {
		t.Fatalf("Open() error = %v, want Transport", err)
	}
	if reason := errors.ReasonOf(err); reason != errors.TransportError {
		t.Errorf("Open() reason = %q, want %q", reason, errors.TransportError)
	}

	f.Endpoint = "udp://127.0.0.1:1"
	if _, err := f.Open(context.Background()); !errors.Is(errors.Invalid, err) {
		t.Errorf("Open(udp endpoint) error = %v, want Invalid", err)
	}
}

func TestSession_MakeCollectionAgainstGrid(t *testing.T) {
	g := gridtest.Start(t, gridserver.Options{})
	s := g.Open(t, "alice", negotiation.DontCare, config.DefaultPipeline())
	ctx := context.Background()

	if err := s.MakeCollection(ctx, g.Home("alice")+"/a/b", true); err != nil {
		t.Fatalf("MakeCollection() error = %v", err)
	}
	if err := s.MakeCollection(ctx, g.Home("alice")+"/a", false); !errors.Is(errors.Invalid, err) {
		t.Errorf("MakeCollection(existing) error = %v, want Invalid", err)
	}
	if err := s.MakeCollection(ctx, "/"+gridtest.Zone+"/home/rods/x", false); !errors.Is(errors.Negotiation, err) {
		t.Errorf("MakeCollection(other home) error = %v, want denied", err)
	}

	var res protocol.ObjStatResult
	err := s.Call(ctx, protocol.TypeObjStat, protocol.ObjStat{Path: g.Home("alice") + "/missing"}, &res)
	if !errors.Is(errors.NotFound, err) {
		t.Errorf("obj_stat(missing) error = %v, want NotFound", err)
	}
}

func TestSession_CloseDeregisters(t *testing.T) {
	g := gridtest.Start(t, gridserver.Options{})
	s := g.Open(t, "alice", negotiation.DontCare, config.DefaultPipeline())
	if n := len(g.Server.Connections()); n != 1 {
		t.Fatalf("Connections() = %d, want 1", n)
	}
	s.Close()
	deadline := time.Now().Add(5 * time.Second)
	for len(g.Server.Connections()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("server still tracks the closed connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
