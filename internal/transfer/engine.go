// Package transfer moves data objects between the local filesystem and the
// grid over parallel data channels negotiated on the control channel.
package transfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mataphp/jargon/internal/cipher"
	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/logging"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/pkg/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	joinTimeout  = 30 * time.Second
	drainTimeout = 5 * time.Second
	abortTimeout = 5 * time.Second
)

// Caller is the control channel the engine negotiates transfers over.
type Caller interface {
	Call(ctx context.Context, msgType string, req, resp any) error
	Configuration() negotiation.Configuration
}

// ThreadStatus is one worker's result.
type ThreadStatus struct {
	Index  int
	Range  Range
	Bytes  int64
	Digest string
	Err    error
}

// Outcome describes a finished transfer, successful or not.
type Outcome struct {
	TransferID       string
	Op               string
	Path             string
	BytesTransferred int64
	Checksum         string
	Threads          []ThreadStatus
	Attempts         int
}

// Observer is told about every finalized transfer.
type Observer interface {
	TransferFinished(ctx context.Context, out Outcome, err error)
}

// Engine runs parallel transfers over one session.
type Engine struct {
	caller   Caller
	pipeline config.Pipeline
	dialers  map[string]Dialer
	observer Observer
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDialer registers the dialer used for a data transport name.
func WithDialer(transport string, d Dialer) Option {
	return func(e *Engine) { e.dialers[transport] = d }
}

// WithObserver installs an observer for finished transfers.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrDiscard(l) }
}

// NewEngine returns an engine using c for control messages. TCP data
// channels are always available; other transports need WithDialer.
func NewEngine(c Caller, p config.Pipeline, opts ...Option) *Engine {
	p = p.Normalize()
	e := &Engine{
		caller:   c,
		pipeline: p,
		dialers: map[string]Dialer{
			config.DataTransportTCP: TCPDialer{BufferSize: p.SocketBufferSize, Timeout: dialTimeout},
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pipeline returns the engine's normalized pipeline configuration.
func (e *Engine) Pipeline() config.Pipeline { return e.pipeline }

// mover streams one range once the data channel is started.
type mover func(ctx context.Context, rs RangeStream) (int64, error)

// Put uploads size bytes from src to the data object at remote.
func (e *Engine) Put(ctx context.Context, src io.ReaderAt, size int64, remote string) (Outcome, error) {
	move := func(ctx context.Context, rs RangeStream) (int64, error) {
		n, err := rs.Send(ctx, src)
		if err != nil {
			return n, err
		}
		return n, ReadStatus(rs.Stream, protocol.RangeOK, "range ack")
	}
	return e.run(ctx, "transfer.Put", protocol.OpPut, remote, size, move)
}

// Get downloads the data object at remote into dst.
func (e *Engine) Get(ctx context.Context, remote string, dst io.WriterAt) (Outcome, error) {
	const op = "transfer.Get"
	size, err := e.statSize(ctx, remote)
	if err != nil {
		return Outcome{Op: protocol.OpGet, Path: remote}, errors.E(op, errors.Path(remote), err)
	}
	move := func(ctx context.Context, rs RangeStream) (int64, error) {
		n, err := rs.Receive(ctx, dst)
		if err != nil {
			return n, err
		}
		return n, WriteStatus(rs.Stream, protocol.RangeOK)
	}
	return e.run(ctx, op, protocol.OpGet, remote, size, move)
}

// PutFile uploads the local file at local to remote.
func (e *Engine) PutFile(ctx context.Context, local, remote string) (Outcome, error) {
	f, err := os.Open(local)
	if err != nil {
		return Outcome{}, errors.E("transfer.PutFile", errors.Invalid, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Outcome{}, errors.E("transfer.PutFile", errors.Invalid, err)
	}
	if info.IsDir() {
		return Outcome{}, errors.E("transfer.PutFile", errors.Invalid, errors.Errorf("%s is a directory", local))
	}
	return e.Put(ctx, f, info.Size(), remote)
}

// GetFile downloads remote into the local file at local, creating or
// truncating it. A failed transfer leaves the partial file in place.
func (e *Engine) GetFile(ctx context.Context, remote, local string) (Outcome, error) {
	f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Outcome{}, errors.E("transfer.GetFile", errors.Invalid, err)
	}
	out, err := e.Get(ctx, remote, f)
	if err == nil {
		err = f.Truncate(out.BytesTransferred)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return out, err
}

func (e *Engine) statSize(ctx context.Context, remote string) (int64, error) {
	var stat protocol.ObjStatResult
	if err := e.caller.Call(ctx, protocol.TypeObjStat, protocol.ObjStat{Path: remote}, &stat); err != nil {
		return 0, err
	}
	if stat.Type != protocol.ObjectTypeDataObject {
		return 0, errors.E(errors.Invalid, errors.Errorf("%s is a %s", remote, stat.Type))
	}
	return stat.Size, nil
}

// run performs attempts until one succeeds, a non-integrity error occurs,
// or MaxRetries is exhausted.
func (e *Engine) run(ctx context.Context, op, kind, remote string, size int64, move mover) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = e.attempt(ctx, kind, remote, size, move)
		out.Attempts = attempt + 1
		if err == nil || !errors.Is(errors.Integrity, err) || attempt >= e.pipeline.MaxRetries {
			break
		}
		e.logger.Warn("integrity failure, retrying transfer",
			"path", remote, "op", kind, "attempt", out.Attempts, "error", err)
	}
	if err != nil {
		err = errors.E(op, errors.Path(remote), err)
		e.logger.Error("transfer failed", "path", remote, "op", kind, "attempts", out.Attempts, "error", err)
	} else {
		e.logger.Info("transfer complete", "path", remote, "op", kind, "bytes", out.BytesTransferred,
			"threads", len(out.Threads), "attempts", out.Attempts, "transfer_id", out.TransferID)
	}
	if e.observer != nil {
		e.observer.TransferFinished(ctx, out, err)
	}
	return out, err
}

func (e *Engine) attempt(ctx context.Context, kind, remote string, size int64, move mover) (Outcome, error) {
	out := Outcome{TransferID: uuid.NewString(), Op: kind, Path: remote}

	plan, err := NewPlan(size, e.pipeline)
	if err != nil {
		return out, err
	}
	dialer, ok := e.dialers[e.pipeline.DataTransport]
	if !ok {
		return out, errors.E(errors.Invalid, errors.Errorf("no dialer for data transport %q", e.pipeline.DataTransport))
	}
	cfg := e.caller.Configuration()
	key, err := cipher.NewTransferKey(cfg)
	if err != nil {
		return out, err
	}
	wrapper, err := cipher.New(cfg, key.Key)
	if err != nil {
		return out, err
	}
	algorithm := negotiation.AlgorithmNone
	if wrapper.Active() {
		algorithm = cfg.EncryptionAlgorithm
	}

	out.Threads = make([]ThreadStatus, len(plan.Ranges))
	for i, r := range plan.Ranges {
		out.Threads[i] = ThreadStatus{Index: i, Range: r}
	}

	open := protocol.ParallelOpen{
		TransferID:     out.TransferID,
		Op:             kind,
		Path:           remote,
		TotalBytes:     size,
		Ranges:         plan.Specs(),
		ChunkSize:      e.pipeline.ChunkSize,
		Algorithm:      algorithm,
		Key:            key.Key,
		ChecksumPolicy: string(e.pipeline.ChecksumPolicy),
		Transport:      e.pipeline.DataTransport,
		BufferSize:     e.pipeline.SocketBufferSize,
	}
	var assigned protocol.ParallelPlan
	if err := e.caller.Call(ctx, protocol.TypeParallelOpen, open, &assigned); err != nil {
		return out, err
	}
	if len(assigned.Endpoints) != len(plan.Ranges) {
		e.abort(out.TransferID, "endpoint count mismatch")
		return out, errors.E(errors.Protocol, errors.Errorf("server assigned %d endpoints for %d ranges", len(assigned.Endpoints), len(plan.Ranges)))
	}
	e.logger.Debug("parallel transfer opened", "transfer_id", out.TransferID, "op", kind, "path", remote,
		"bytes", size, "threads", len(plan.Ranges), "transport", e.pipeline.DataTransport, "encrypted", wrapper.Active())

	if err := e.runWorkers(ctx, assigned.Endpoints, dialer, wrapper, move, out.Threads); err != nil {
		e.abort(out.TransferID, err.Error())
		tallyBytes(&out)
		return out, err
	}
	tallyBytes(&out)

	var result protocol.ParallelResult
	if err := e.caller.Call(ctx, protocol.TypeParallelComplete, protocol.ParallelComplete{TransferID: out.TransferID}, &result); err != nil {
		return out, err
	}

	digests := make([][]byte, len(out.Threads))
	for i, t := range out.Threads {
		digests[i], _ = hex.DecodeString(t.Digest)
	}
	out.Checksum, err = Composite(e.pipeline.ChecksumPolicy, digests)
	if err != nil {
		return out, err
	}
	if result.BytesTransferred != size || out.BytesTransferred != size {
		return out, errors.E(errors.Integrity, errors.Errorf("moved %d bytes, server saw %d, expected %d", out.BytesTransferred, result.BytesTransferred, size))
	}
	if err := VerifyChecksum(e.pipeline.ChecksumPolicy, out.Checksum, result.Checksum); err != nil {
		return out, err
	}
	return out, nil
}

func tallyBytes(out *Outcome) {
	out.BytesTransferred = 0
	for _, t := range out.Threads {
		out.BytesTransferred += t.Bytes
	}
}

// abort releases the server side of a failed transfer. It runs on its own
// context because the caller's may already be done.
func (e *Engine) abort(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := e.caller.Call(ctx, protocol.TypeParallelAbort, protocol.ParallelAbort{TransferID: id, Reason: reason}, &protocol.OK{}); err != nil {
		e.logger.Warn("parallel abort failed", "transfer_id", id, "error", err)
	}
}

// runWorkers starts one worker per range and waits for all of them. The
// first worker error cancels the rest: the abort flag is raised and every
// open stream is closed so blocked I/O returns.
func (e *Engine) runWorkers(ctx context.Context, endpoints []protocol.DataEndpoint, dialer Dialer, wrapper cipher.Wrapper, move mover, threads []ThreadStatus) error {
	g, gctx := errgroup.WithContext(ctx)

	var (
		aborted atomic.Bool
		mu      sync.Mutex
		streams []Stream
	)
	closeAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range streams {
			_ = s.Close()
		}
		streams = nil
	}
	register := func(s Stream) bool {
		mu.Lock()
		defer mu.Unlock()
		if aborted.Load() {
			return false
		}
		streams = append(streams, s)
		return true
	}
	stop := context.AfterFunc(gctx, func() {
		aborted.Store(true)
		closeAll()
	})
	defer stop()

	var ready sync.WaitGroup
	ready.Add(len(threads))
	start := make(chan struct{})
	go func() {
		ready.Wait()
		close(start)
	}()

	for i := range threads {
		w := worker{
			engine:   e,
			status:   &threads[i],
			endpoint: endpoints[i],
			dialer:   dialer,
			wrapper:  wrapper,
			move:     move,
			register: register,
			aborted:  aborted.Load,
			ready:    ready.Done,
			start:    start,
		}
		g.Go(func() error {
			err := w.run(gctx)
			if err != nil {
				if (aborted.Load() || gctx.Err() != nil) && !errors.Is(errors.Integrity, err) {
					err = ErrAborted
				}
				w.status.Err = err
				return fmt.Errorf("worker %d: %w", w.status.Index, err)
			}
			return nil
		})
	}

	err := g.Wait()
	closeAll()
	if err != nil && ctx.Err() != nil {
		return errors.E(errors.Transport, ctx.Err())
	}
	if err != nil && errors.KindOf(err) == errors.Other {
		err = errors.E(errors.Transport, err)
	}
	return err
}

type worker struct {
	engine   *Engine
	status   *ThreadStatus
	endpoint protocol.DataEndpoint
	dialer   Dialer
	wrapper  cipher.Wrapper
	move     mover
	register func(Stream) bool
	aborted  func() bool
	ready    func()
	start    <-chan struct{}
}

func (w *worker) run(ctx context.Context) error {
	joined := false
	defer func() {
		if !joined {
			w.ready()
		}
	}()

	s, err := w.dialer.Dial(ctx, w.endpoint.Address)
	if err != nil {
		return errors.E(errors.Transport, err)
	}
	if !w.register(s) {
		_ = s.Close()
		return ErrAborted
	}
	defer s.Close()

	_ = s.SetDeadline(time.Now().Add(joinTimeout))
	if err := WriteCookie(s, w.endpoint.Cookie); err != nil {
		return err
	}
	if err := ReadStatus(s, protocol.JoinReady, "join"); err != nil {
		return err
	}
	_ = s.SetDeadline(time.Time{})

	joined = true
	w.ready()
	select {
	case <-w.start:
	case <-ctx.Done():
		return ErrAborted
	}
	if w.aborted() {
		return ErrAborted
	}
	if err := WriteStatus(s, protocol.StreamStart); err != nil {
		return err
	}

	digest, err := NewDigest(w.engine.pipeline.ChecksumPolicy)
	if err != nil {
		return err
	}
	n, err := w.move(ctx, RangeStream{
		Stream:    s,
		Range:     w.status.Range,
		ChunkSize: w.engine.pipeline.ChunkSize,
		Cipher:    w.wrapper,
		Digest:    digest,
		Aborted:   w.aborted,
	})
	w.status.Bytes = n
	if err != nil {
		return err
	}
	if digest != nil {
		w.status.Digest = hex.EncodeToString(digest.Sum(nil))
	}

	// Wait for the server to finish its half before closing ours.
	_ = s.SetDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, s)
	return nil
}
