package gridserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mataphp/jargon/internal/cipher"
	"github.com/mataphp/jargon/internal/config"
	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/negotiation"
	"github.com/mataphp/jargon/internal/quictransport"
	"github.com/mataphp/jargon/internal/transfer"
	"github.com/mataphp/jargon/pkg/protocol"
)

// maxChunkSize bounds the chunk size a client may ask for.
const maxChunkSize = 64 << 20

type rangeResult struct {
	bytes  int64
	digest []byte
	err    error
}

// parallelTransfer is the server side of one parallel_open.
type parallelTransfer struct {
	id      string
	op      string
	path    string
	user    string
	total   int64
	plan    transfer.Plan
	chunk   int
	wrapper cipher.Wrapper
	policy  config.ChecksumPolicy

	server  *Server
	logger  *slog.Logger
	file    *os.File // part file for put, object bytes for get
	results []rangeResult
	// Listeners stay open until release: closing a QUIC listener tears
	// down its connections.
	listeners []transfer.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) openTransfer(cs *connState, req protocol.ParallelOpen) (protocol.ParallelPlan, error) {
	const op = "gridserver.openTransfer"
	if req.TransferID == "" {
		return protocol.ParallelPlan{}, errors.E(op, errors.Invalid, errors.Str("missing transfer id"))
	}
	if _, dup := cs.transfers[req.TransferID]; dup {
		return protocol.ParallelPlan{}, errors.E(op, errors.Invalid, errors.Errorf("transfer %s already open", req.TransferID))
	}
	if !strings.HasPrefix(req.Path, "/") {
		return protocol.ParallelPlan{}, errors.E(op, errors.Path(req.Path), errors.Invalid, errors.Str("path is not absolute"))
	}
	if req.TotalBytes < 0 {
		return protocol.ParallelPlan{}, errors.E(op, errors.Invalid, errors.Errorf("negative size %d", req.TotalBytes))
	}
	if req.ChunkSize <= 0 || req.ChunkSize > maxChunkSize {
		return protocol.ParallelPlan{}, errors.E(op, errors.Invalid, errors.Errorf("chunk size %d", req.ChunkSize))
	}
	policy := config.ChecksumPolicy(req.ChecksumPolicy)
	if _, err := transfer.NewDigest(policy); err != nil {
		return protocol.ParallelPlan{}, errors.E(op, err)
	}
	plan, err := transfer.PlanFromSpecs(req.TotalBytes, req.Ranges)
	if err != nil {
		return protocol.ParallelPlan{}, errors.E(op, err)
	}
	wrapper, err := transferCipher(cs.cfg, req.Algorithm, req.Key)
	if err != nil {
		return protocol.ParallelPlan{}, errors.E(op, err)
	}

	p := path.Clean(req.Path)
	var file *os.File
	switch req.Op {
	case protocol.OpPut:
		if err := s.checkWriteAccess(cs.user, p); err != nil {
			return protocol.ParallelPlan{}, errors.E(op, err)
		}
		if err := s.catalog.CheckWritable(p); err != nil {
			return protocol.ParallelPlan{}, errors.E(op, err)
		}
		if file, err = s.vault.CreatePart(req.TransferID, req.TotalBytes); err != nil {
			return protocol.ParallelPlan{}, errors.E(op, err)
		}
	case protocol.OpGet:
		o, err := s.catalog.Stat(p)
		if err != nil {
			return protocol.ParallelPlan{}, errors.E(op, err)
		}
		if o.IsCollection() {
			return protocol.ParallelPlan{}, errors.E(op, errors.Path(p), errors.Invalid, errors.Str("is a collection"))
		}
		if o.Size != req.TotalBytes {
			return protocol.ParallelPlan{}, errors.E(op, errors.Path(p), errors.Invalid,
				errors.Errorf("size %d, object has %d", req.TotalBytes, o.Size))
		}
		if file, err = s.vault.Open(p); err != nil {
			return protocol.ParallelPlan{}, errors.E(op, errors.Path(p), err)
		}
	default:
		return protocol.ParallelPlan{}, errors.E(op, errors.Invalid, errors.Errorf("unknown op %q", req.Op))
	}

	listeners := make([]transfer.Listener, 0, len(plan.Ranges))
	fail := func(err error) (protocol.ParallelPlan, error) {
		for _, ln := range listeners {
			ln.Close()
		}
		file.Close()
		if req.Op == protocol.OpPut {
			s.vault.Discard(req.TransferID)
		}
		return protocol.ParallelPlan{}, errors.E(op, err)
	}
	for range plan.Ranges {
		var ln transfer.Listener
		switch req.Transport {
		case config.DataTransportTCP, "":
			ln, err = transfer.ListenTCP(s.dataHost, "", req.BufferSize)
		case config.DataTransportQUIC:
			ln, err = quictransport.Listen(s.dataHost, "", s.cert, req.BufferSize, s.logger)
		default:
			return fail(errors.E(errors.Invalid, errors.Errorf("unknown data transport %q", req.Transport)))
		}
		if err != nil {
			return fail(errors.E(errors.Transport, err))
		}
		listeners = append(listeners, ln)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &parallelTransfer{
		id:        req.TransferID,
		op:        req.Op,
		path:      p,
		user:      cs.user,
		total:     req.TotalBytes,
		plan:      plan,
		chunk:     req.ChunkSize,
		wrapper:   wrapper,
		policy:    policy,
		server:    s,
		logger:    cs.logger.With("transfer_id", req.TransferID),
		file:      file,
		results:   make([]rangeResult, len(plan.Ranges)),
		listeners: listeners,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	out := protocol.ParallelPlan{TransferID: t.id, Endpoints: make([]protocol.DataEndpoint, len(listeners))}
	for i, ln := range listeners {
		claim := s.cookies.Issue(t.id, i)
		out.Endpoints[i] = protocol.DataEndpoint{Address: ln.Addr(), Cookie: []byte(claim.Cookie)}
		t.wg.Add(1)
		go t.serveRange(i, ln)
	}
	go func() {
		t.wg.Wait()
		close(t.done)
	}()
	cs.transfers[t.id] = t
	t.logger.Info("parallel transfer opened", "op", t.op, "path", t.path, "bytes", t.total,
		"threads", len(plan.Ranges), "transport", req.Transport, "encrypted", wrapper.Active())
	return out, nil
}

// transferCipher returns the data channel wrapper for a transfer. Chunks
// are only encrypted on a secured connection, with the negotiated algorithm.
func transferCipher(cfg negotiation.Configuration, algorithm string, key []byte) (cipher.Wrapper, error) {
	if algorithm == "" || strings.EqualFold(algorithm, negotiation.AlgorithmNone) {
		return cipher.New(negotiation.Plain(), nil)
	}
	if !cfg.Encrypting() {
		return nil, errors.E(errors.Invalid, errors.Errorf("algorithm %s on an unencrypted connection", algorithm))
	}
	if !strings.EqualFold(algorithm, cfg.EncryptionAlgorithm) {
		return nil, errors.E(errors.Invalid, errors.Errorf("algorithm %s, connection negotiated %s", algorithm, cfg.EncryptionAlgorithm))
	}
	return cipher.New(cfg, key)
}

func (s *Server) completeTransfer(ctx context.Context, cs *connState, id string) (protocol.ParallelResult, error) {
	const op = "gridserver.completeTransfer"
	t, ok := cs.transfers[id]
	if !ok {
		return protocol.ParallelResult{}, errors.E(op, errors.NotFound, errors.Errorf("no open transfer %s", id))
	}
	delete(cs.transfers, id)

	timer := time.NewTimer(completeTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		t.abort("complete timed out")
		return protocol.ParallelResult{}, errors.E(op, errors.Transport, errors.Errorf("transfer %s: data channels still open", id))
	case <-ctx.Done():
		t.abort("server closing")
		return protocol.ParallelResult{}, errors.E(op, errors.Transport, ctx.Err())
	}

	var moved int64
	digests := make([][]byte, len(t.results))
	for i, r := range t.results {
		if r.err != nil {
			t.abort("range failed")
			return protocol.ParallelResult{}, errors.E(op, fmt.Errorf("range %d: %w", i, r.err))
		}
		moved += r.bytes
		digests[i] = r.digest
	}
	checksum, err := transfer.Composite(t.policy, digests)
	if err != nil {
		t.abort("checksum failed")
		return protocol.ParallelResult{}, errors.E(op, err)
	}

	t.release()
	if t.op == protocol.OpPut {
		if moved != t.total {
			s.vault.Discard(t.id)
			return protocol.ParallelResult{}, errors.E(op, errors.Integrity, errors.Errorf("received %d of %d bytes", moved, t.total))
		}
		if err := s.vault.Commit(t.id, t.path); err != nil {
			s.vault.Discard(t.id)
			return protocol.ParallelResult{}, errors.E(op, err)
		}
		if _, err := s.catalog.PutDataObject(t.path, t.user, s.zone, t.total, checksum); err != nil {
			return protocol.ParallelResult{}, errors.E(op, err)
		}
	}

	reported := checksum
	if checksum != "" && s.faults.corruptNext() {
		reported = corrupt(checksum)
		t.logger.Warn("reporting corrupted checksum")
	}
	t.logger.Info("parallel transfer complete", "op", t.op, "path", t.path, "bytes", moved)
	return protocol.ParallelResult{TransferID: id, BytesTransferred: moved, Checksum: reported}, nil
}

func corrupt(checksum string) string {
	b := []byte(checksum)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return string(b)
}

// release stops the data channels and frees the transfer's cookies and file.
func (t *parallelTransfer) release() {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		for _, ln := range t.listeners {
			ln.Close()
		}
		t.file.Close()
		t.server.cookies.Revoke(t.id)
	})
}

func (t *parallelTransfer) abort(reason string) {
	t.release()
	if t.op == protocol.OpPut {
		t.server.vault.Discard(t.id)
	}
	t.logger.Info("parallel transfer released", "reason", reason)
}

// serveRange accepts the data channel for range idx and moves it.
func (t *parallelTransfer) serveRange(idx int, ln transfer.Listener) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.server.cookies.ttl)
	defer cancel()
	for {
		st, err := ln.Accept(ctx)
		if err != nil {
			t.results[idx].err = errors.E(errors.Transport, err)
			return
		}
		stop := context.AfterFunc(t.ctx, func() { st.Close() })
		if !t.join(st, idx) {
			stop()
			st.Close()
			continue
		}
		t.results[idx] = t.move(st, idx)
		stop()
		return
	}
}

// join checks the cookie frame and waits for the start barrier.
func (t *parallelTransfer) join(st transfer.Stream, idx int) bool {
	_ = st.SetDeadline(time.Now().Add(handshakeTimeout))
	cookie, err := transfer.ReadCookie(st)
	if err != nil {
		t.logger.Debug("data channel without cookie", "range", idx, "error", err)
		return false
	}
	claim, ok := t.server.cookies.Redeem(string(cookie), time.Now())
	if !ok || claim.TransferID != t.id || claim.Index != idx {
		t.logger.Warn("data channel rejected", "range", idx)
		_ = transfer.WriteStatus(st, protocol.JoinRejected)
		return false
	}
	if err := transfer.WriteStatus(st, protocol.JoinReady); err != nil {
		return false
	}
	if err := transfer.ReadStatus(st, protocol.StreamStart, "stream start"); err != nil {
		t.logger.Debug("data channel never started", "range", idx, "error", err)
		return false
	}
	_ = st.SetDeadline(time.Time{})
	return true
}

func (t *parallelTransfer) move(st transfer.Stream, idx int) rangeResult {
	defer st.Close()

	digest, _ := transfer.NewDigest(t.policy)
	rs := transfer.RangeStream{
		Stream:    st,
		Range:     t.plan.Ranges[idx],
		ChunkSize: t.chunk,
		Cipher:    t.wrapper,
		Digest:    digest,
		Aborted:   t.dropGuard(idx),
	}
	sum := func() []byte {
		if digest == nil {
			return nil
		}
		return digest.Sum(nil)
	}

	if t.op == protocol.OpPut {
		n, err := rs.Receive(t.ctx, t.file)
		switch {
		case err == transfer.ErrAborted:
			t.logger.Warn("dropping data channel", "range", idx, "bytes", n)
			return rangeResult{bytes: n, err: errors.E(errors.Transport, err)}
		case errors.Is(errors.Integrity, err):
			_ = transfer.WriteStatus(st, protocol.RangeCorrupt)
			return rangeResult{bytes: n, err: err}
		case err != nil:
			_ = transfer.WriteStatus(st, protocol.RangeFailed)
			return rangeResult{bytes: n, err: err}
		}
		res := rangeResult{bytes: n, digest: sum()}
		if err := transfer.WriteStatus(st, protocol.RangeOK); err != nil {
			res.err = err
		}
		return res
	}

	n, err := rs.Send(t.ctx, t.file)
	if err == transfer.ErrAborted {
		t.logger.Warn("dropping data channel", "range", idx, "bytes", n)
		return rangeResult{bytes: n, err: errors.E(errors.Transport, err)}
	}
	if err != nil {
		return rangeResult{bytes: n, err: err}
	}
	if err := transfer.ReadStatus(st, protocol.RangeOK, "range ack"); err != nil {
		return rangeResult{bytes: n, err: err}
	}
	return rangeResult{bytes: n, digest: sum()}
}

// dropGuard returns the abort poll for range idx, honoring injected faults.
func (t *parallelTransfer) dropGuard(idx int) func() bool {
	after, ok := t.server.faults.dropAfter(idx)
	if !ok {
		return nil
	}
	var polls atomic.Int64
	return func() bool {
		return polls.Add(1) > int64(after)
	}
}
