package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/pkg/protocol"
)

// fakeServer answers each frame on conn with handle's reply.
func fakeServer(t *testing.T, conn net.Conn, handle func(protocol.Envelope) (protocol.Envelope, bool)) {
	t.Helper()
	go func() {
		defer conn.Close()
		for {
			req, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				continue
			}
			if err := protocol.WriteFrame(conn, resp); err != nil {
				return
			}
		}
	}()
}

func reply(req protocol.Envelope, msgType string, payload any) protocol.Envelope {
	env, _ := protocol.NewEnvelope(msgType, req.MsgID, payload)
	return env
}

func newTestSession(t *testing.T, handle func(protocol.Envelope) (protocol.Envelope, bool)) *Session {
	t.Helper()
	client, server := net.Pipe()
	fakeServer(t, server, handle)
	p := config.DefaultPipeline()
	p.RequestTimeout = 2 * time.Second
	s := newSession(client, negotiation.Plain(), p, negotiation.Credentials{User: "rods", Zone: "tempZone", Password: "secret"}, "tcp://pipe", nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallDecodesReply(t *testing.T) {
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		var stat protocol.ObjStat
		_ = req.DecodePayload(&stat)
		return reply(req, protocol.TypeObjStatResult, protocol.ObjStatResult{Path: stat.Path, Type: protocol.ObjectTypeDataObject, Size: 42}), true
	})

	before := s.LastActivity()
	time.Sleep(time.Millisecond)

	var out protocol.ObjStatResult
	if err := s.Call(context.Background(), protocol.TypeObjStat, protocol.ObjStat{Path: "/z/a"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Path != "/z/a" || out.Size != 42 {
		t.Fatalf("got %+v", out)
	}
	if !s.LastActivity().After(before) {
		t.Fatal("LastActivity was not advanced")
	}
	if user, zone := s.User(); user != "rods" || zone != "tempZone" {
		t.Fatalf("User() = %s, %s", user, zone)
	}
}

func TestCallMapsRemoteErrors(t *testing.T) {
	codes := map[string]errors.Kind{
		protocol.CodeNotFound:  errors.NotFound,
		protocol.CodeInvalid:   errors.Invalid,
		protocol.CodeProtocol:  errors.Protocol,
		protocol.CodeIntegrity: errors.Integrity,
		protocol.CodeInternal:  errors.Other,
	}
	for code, kind := range codes {
		s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
			return reply(req, protocol.TypeError, protocol.Error{Code: code, Message: "nope"}), true
		})
		err := s.Call(context.Background(), protocol.TypeObjStat, protocol.ObjStat{Path: "/z/missing"}, &protocol.ObjStatResult{})
		if errors.KindOf(err) != kind {
			t.Errorf("code %s: got %v, want kind %v", code, err, kind)
		}
		// A remote error leaves the session usable.
		if s.broken.Load() {
			t.Errorf("code %s: session marked broken", code)
		}
	}
}

func TestCallRejectsUnexpectedReply(t *testing.T) {
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		return reply(req, protocol.TypeOK, protocol.OK{}), true
	})
	err := s.Call(context.Background(), protocol.TypeQuery, protocol.Query{Query: "SELECT COLL_NAME"}, &protocol.QueryPage{})
	if !errors.Is(errors.Protocol, err) {
		t.Fatalf("got %v, want protocol error", err)
	}
}

func TestSendDetectsMismatchedMsgID(t *testing.T) {
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		env, _ := protocol.NewEnvelope(protocol.TypeOK, "ffffffffffffffff", protocol.OK{})
		return env, true
	})
	err := s.Call(context.Background(), protocol.TypeMkdir, protocol.Mkdir{Path: "/z/c"}, nil)
	if !errors.Is(errors.Protocol, err) {
		t.Fatalf("got %v, want protocol error", err)
	}
	if err := s.Call(context.Background(), protocol.TypeMkdir, protocol.Mkdir{Path: "/z/c"}, nil); !errors.Is(errors.Transport, err) {
		t.Fatalf("call after desync: got %v, want transport error", err)
	}
}

func TestSendHonoursContext(t *testing.T) {
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		return protocol.Envelope{}, false
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Call(ctx, protocol.TypeMkdir, protocol.Mkdir{Path: "/z/c"}, nil)
	if !errors.Is(errors.Transport, err) {
		t.Fatalf("got %v, want transport error", err)
	}
	if err := s.Call(context.Background(), protocol.TypeMkdir, protocol.Mkdir{Path: "/z/c"}, nil); !errors.Is(errors.Transport, err) {
		t.Fatalf("broken session: got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	got := make(chan string, 4)
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		got <- req.Type
		return protocol.Envelope{}, false
	})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case typ := <-got:
		if typ != protocol.TypeDisconnect {
			t.Fatalf("server saw %s, want disconnect", typ)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect not sent")
	}
	if err := s.MakeCollection(context.Background(), "/z/c", false); !errors.Is(errors.Transport, err) {
		t.Fatalf("call after Close: got %v", err)
	}
}

func TestMakeCollection(t *testing.T) {
	var seen protocol.Mkdir
	s := newTestSession(t, func(req protocol.Envelope) (protocol.Envelope, bool) {
		_ = req.DecodePayload(&seen)
		return reply(req, protocol.TypeOK, protocol.OK{}), true
	})
	if err := s.MakeCollection(context.Background(), "/z/home/a/b", true); err != nil {
		t.Fatalf("MakeCollection: %v", err)
	}
	if seen.Path != "/z/home/a/b" || !seen.Parents {
		t.Fatalf("server saw %+v", seen)
	}
}

func TestNewFactoryRejectsBadPolicy(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.Negotiation.Policy = "sometimes"
	if _, err := NewFactory(cfg, nil); !errors.Is(errors.Invalid, err) {
		t.Fatalf("got %v, want invalid", err)
	}
}
