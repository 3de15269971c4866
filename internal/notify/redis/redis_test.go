package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/gridserver"
	"github.com/mataphp/jargon/internal/gridserver/gridtest"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/transfer"
)

func testOutcome() transfer.Outcome {
	return transfer.Outcome{
		TransferID:       "xfer-001",
		Op:               "put",
		Path:             "/testZone/home/alice/a.dat",
		BytesTransferred: 2048,
		Checksum:         "sha2:abc",
		Attempts:         1,
		Threads: []transfer.ThreadStatus{
			{Index: 0, Range: transfer.Range{Index: 0, Offset: 0, Length: 1024}, Bytes: 1024, Digest: "d0"},
			{Index: 1, Range: transfer.Range{Index: 1, Offset: 1024, Length: 1024}, Bytes: 1024, Digest: "d1"},
		},
	}
}

// receiveAll forwards every message of sub to the returned channel. Start it
// BEFORE publishing; miniredis delivers pub/sub messages synchronously.
func receiveAll(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 8)
	go func() {
		for msg := range sub.Messages() {
			ch <- msg
		}
	}()
	return ch
}

func waitEvent(t *testing.T, ch <-chan miniredis.PubsubMessage) (string, Event) {
	t.Helper()
	select {
	case msg := <-ch:
		var ev Event
		if err := json.Unmarshal([]byte(msg.Message), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg.Channel, ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return "", Event{}
	}
}

func TestPublish_Success(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := receiveAll(sub)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := p.Publish(t.Context(), NewEvent(testOutcome(), nil, now)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	channel, ev := waitEvent(t, ch)
	if channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", channel, DefaultChannel)
	}
	if ev.EventType != EventType || ev.Outcome != "success" || ev.TransferID != "xfer-001" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", ev.Timestamp)
	}
	if len(ev.Threads) != 2 || ev.Threads[1].Offset != 1024 || ev.Threads[1].Digest != "d1" {
		t.Errorf("threads = %+v", ev.Threads)
	}
}

func TestNewEvent_Failure(t *testing.T) {
	out := testOutcome()
	out.Threads[1].Err = errors.Str("connection reset")
	ev := NewEvent(out, errors.E(errors.Transport, errors.Str("range 1 failed")), time.Now())

	if ev.Outcome != "failure" {
		t.Errorf("outcome = %q, want failure", ev.Outcome)
	}
	if ev.ErrorKind != errors.Transport.String() {
		t.Errorf("error kind = %q, want %q", ev.ErrorKind, errors.Transport.String())
	}
	if ev.Threads[1].Error != "connection reset" || ev.Threads[0].Error != "" {
		t.Errorf("thread errors = %q, %q", ev.Threads[0].Error, ev.Threads[1].Error)
	}
}

func TestPublish_CustomChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(Config{URL: "redis://" + mr.Addr(), Channel: "grid:done"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe("grid:done")
	ch := receiveAll(sub)

	p.TransferFinished(t.Context(), testOutcome(), nil)

	channel, _ := waitEvent(t, ch)
	if channel != "grid:done" {
		t.Errorf("channel = %q, want grid:done", channel)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	p, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond, Backoff: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	err = p.Publish(t.Context(), NewEvent(testOutcome(), nil, time.Now()))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(errors.Transport, err) {
		t.Errorf("error = %v, want transport kind", err)
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	p, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := p.Publish(ctx, NewEvent(testOutcome(), nil, time.Now())); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{}},
		{"invalid url", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(errors.Invalid, err) {
				t.Fatalf("New() error = %v, want invalid", err)
			}
		})
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	if p.Channel() != DefaultChannel {
		t.Errorf("channel = %q, want %q", p.Channel(), DefaultChannel)
	}
	if p.config.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", p.config.Timeout, DefaultTimeout)
	}
	if p.config.Backoff != DefaultBackoff {
		t.Errorf("backoff = %v, want %v", p.config.Backoff, DefaultBackoff)
	}
}

func TestEngineNotifiesEachTransfer(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = p.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := receiveAll(sub)

	pipeline := config.DefaultPipeline()
	pipeline.ParallelTransferThreshold = 64 * 1024
	pipeline.MaxParallelThreads = 2
	pipeline.ChunkSize = 16 * 1024

	g := gridtest.Start(t, gridserver.Options{})
	s := g.Open(t, "alice", negotiation.DontCare, pipeline)
	engine := transfer.NewEngine(s, pipeline, transfer.WithObserver(p))

	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(7)).Read(data)
	remote := g.Home("alice") + "/notify.bin"

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	out, err := engine.Put(ctx, bytes.NewReader(data), int64(len(data)), remote)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, ev := waitEvent(t, ch)
	if ev.Op != out.Op || ev.Path != remote || ev.Outcome != "success" {
		t.Errorf("put event = %+v", ev)
	}
	if ev.Checksum != out.Checksum || ev.BytesTransferred != int64(len(data)) {
		t.Errorf("put event checksum %q bytes %d, want %q %d", ev.Checksum, ev.BytesTransferred, out.Checksum, len(data))
	}
	if len(ev.Threads) != 2 {
		t.Errorf("put event has %d threads, want 2", len(ev.Threads))
	}

	denied := g.Home(gridserver.AdminUser) + "/notify.bin"
	if _, err := engine.Put(ctx, bytes.NewReader(data), int64(len(data)), denied); err == nil {
		t.Fatal("Put() into another user's home succeeded")
	}
	_, ev = waitEvent(t, ch)
	if ev.Outcome != "failure" || ev.Path != denied || ev.ErrorKind != errors.Negotiation.String() {
		t.Errorf("denied put event = %+v", ev)
	}
}
