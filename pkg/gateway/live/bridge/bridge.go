// Package bridge pairs one client WebSocket with one upstream session and
// forwards frames between them until either side ends.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

type State int32

const (
	StatePairing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePairing:
		return "pairing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Opener opens the upstream leg. *upstream.Connector implements it.
type Opener interface {
	Open(ctx context.Context) (*upstream.Session, error)
}

type Config struct {
	// IdleTimeout closes the pair when no data frame moved in either
	// direction for this long. Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CloseTimeout bounds final frames and close handshakes during teardown.
	CloseTimeout         time.Duration
	UpstreamBinaryAsText bool
}

type Dependencies struct {
	ID       string
	Client   *websocket.Conn
	Upstream Opener
	Logger   *slog.Logger
	Metrics  *metrics.Relay
	Config   Config
}

type frame struct {
	messageType int
	data        []byte
}

// Bounds on frames buffered during pairing. Past either limit the reader
// stops reading until the pair is active.
const (
	maxPendingFrames = 32
	maxPendingBytes  = 1 << 20
)

type causeKind int

const (
	causeClient causeKind = iota
	causeUpstreamClosed
	causeUpstreamError
	causeForwarding
	causeCancel
	causeIdle
	causePairing
)

type closeCause struct {
	kind   causeKind
	code   int
	reason string
	err    error
}

func (c closeCause) result() string {
	switch c.kind {
	case causeClient:
		return "client_closed"
	case causeUpstreamClosed:
		return "upstream_closed"
	case causeUpstreamError:
		return "upstream_error"
	case causeForwarding:
		return "forwarding_error"
	case causeCancel:
		return "relay_shutdown"
	case causeIdle:
		return "idle_timeout"
	default:
		switch apierror.TypeOf(c.err) {
		case apierror.TypeAuth:
			return "auth_error"
		default:
			return "connect_error"
		}
	}
}

var errClientGone = errors.New("client disconnected")

type Bridge struct {
	id      string
	client  *clientConn
	clientW *websocket.Conn
	opener  Opener
	logger  *slog.Logger
	metrics *metrics.Relay
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu           sync.Mutex
	upstream     *upstream.Session
	upstreamOpen bool

	closeOnce sync.Once
	cause     closeCause

	inbound   chan frame
	clientErr error

	// pending holds client frames read while the upstream is still opening.
	// Guarded by mu and only appended to in StatePairing.
	pending      []frame
	pendingBytes int

	lastActivity atomic.Int64
	usage        usageMeter
}

func New(deps Dependencies) *Bridge {
	cfg := deps.Config
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:      deps.ID,
		client:  newClientConn(deps.Client, cfg.WriteTimeout),
		clientW: deps.Client,
		opener:  deps.Upstream,
		logger:  logger,
		metrics: deps.Metrics,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan frame),
		usage:   usageMeter{metrics: deps.Metrics},
	}
	b.state.Store(int32(StatePairing))
	return b
}

func (b *Bridge) ID() string { return b.id }

func (b *Bridge) State() State { return State(b.state.Load()) }

// Run drives the bridge to completion and returns once both sockets are
// closed and every goroutine it started has exited. The returned error is
// nil for graceful closes.
func (b *Bridge) Run() error {
	b.metrics.SessionStarted()
	b.touch()

	readerDone := make(chan struct{})
	openCtx, openCancel := context.WithCancelCause(b.ctx)
	defer openCancel(nil)
	go func() {
		defer close(readerDone)
		b.readClient(openCancel)
	}()

	started := time.Now()
	sess, err := b.opener.Open(openCtx)
	if err != nil {
		b.metrics.UpstreamOpened(time.Since(started), "error")
		if errors.Is(context.Cause(openCtx), errClientGone) {
			b.shutdown(closeCause{kind: causeClient, err: b.clientErr})
		} else {
			b.shutdown(closeCause{kind: causePairing, err: err})
		}
		<-readerDone
		return b.finish()
	}
	b.metrics.UpstreamOpened(time.Since(started), "ok")

	b.mu.Lock()
	if b.State() != StatePairing {
		b.mu.Unlock()
		sess.Close(websocket.CloseGoingAway, "Relay shutting down", b.cfg.CloseTimeout)
		<-readerDone
		return b.finish()
	}
	b.upstream = sess
	b.upstreamOpen = true
	b.state.Store(int32(StateActive))
	b.mu.Unlock()

	b.logger.Info("live relay active", "upstream", sess.URL, "mode", sess.Mode)
	if err := b.client.writeJSON(protocol.NewStatus(protocol.StatusConnected, b.id)); err != nil {
		b.shutdown(closeCause{kind: causeClient, err: err})
	}

	var g errgroup.Group
	g.Go(b.clientToUpstream)
	g.Go(func() error { return b.upstreamToClient(sess) })
	if b.cfg.PingInterval > 0 {
		g.Go(b.pingLoop)
	}
	if b.cfg.IdleTimeout > 0 {
		g.Go(b.idleLoop)
	}
	_ = g.Wait()
	<-readerDone
	return b.finish()
}

// Cancel tears the bridge down as part of a relay shutdown. The client gets
// a relay_shutting_down status frame and both legs close with 1001.
func (b *Bridge) Cancel() {
	b.shutdown(closeCause{kind: causeCancel})
}

// Notify sends a status frame without changing the bridge state.
func (b *Bridge) Notify(status, message string) error {
	if s := b.State(); s != StatePairing && s != StateActive {
		return nil
	}
	f := protocol.NewStatus(status, b.id)
	f.Message = message
	return b.client.writeFinal(f, b.cfg.CloseTimeout)
}

func (b *Bridge) finish() error {
	// Waits for a teardown started by Cancel on another goroutine.
	b.closeOnce.Do(func() {})
	b.state.Store(int32(StateClosed))
	c := b.cause
	b.metrics.SessionEnded(c.result())
	b.logger.Info("live relay closed",
		"result", c.result(),
		"prompt_tokens", b.usage.PromptTokens,
		"response_tokens", b.usage.ResponseTokens,
		"total_tokens", b.usage.TotalTokens,
		"turns", b.usage.Turns,
		"go_away", b.usage.GoAway,
	)
	switch c.kind {
	case causeClient, causeUpstreamClosed, causeCancel, causeIdle:
		return nil
	default:
		return c.err
	}
}

// readClient owns every read from the client socket. While pairing, frames
// are buffered so a disconnect still cancels the open; once active they are
// handed over one at a time.
func (b *Bridge) readClient(abortOpen context.CancelCauseFunc) {
	defer close(b.inbound)
	for {
		mt, data, err := b.clientW.ReadMessage()
		if err != nil {
			b.clientErr = err
			abortOpen(errClientGone)
			return
		}
		b.touch()
		f := frame{messageType: mt, data: data}
		if b.holdPending(f) {
			continue
		}
		select {
		case b.inbound <- f:
		case <-b.ctx.Done():
			return
		}
	}
}

// holdPending buffers f when the bridge is still pairing and the buffer has
// room. It reports whether f was taken.
func (b *Bridge) holdPending(f frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != StatePairing {
		return false
	}
	if len(b.pending) >= maxPendingFrames || b.pendingBytes+len(f.data) > maxPendingBytes {
		return false
	}
	b.pending = append(b.pending, f)
	b.pendingBytes += len(f.data)
	return true
}

func (b *Bridge) takePending() []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pending
	b.pending, b.pendingBytes = nil, 0
	return p
}

func (b *Bridge) clientToUpstream() error {
	for _, f := range b.takePending() {
		if !b.forward(f) {
			return nil
		}
	}
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case f, ok := <-b.inbound:
			if !ok {
				b.shutdown(closeCause{kind: causeClient, err: b.clientErr})
				return nil
			}
			if !b.forward(f) {
				return nil
			}
		}
	}
}

// forward writes one client frame upstream. It returns false once the
// upstream write failed and the pair is being torn down.
func (b *Bridge) forward(f frame) bool {
	up := b.openUpstream()
	if up == nil {
		b.dropFrame()
		return true
	}
	if err := up.Conn.WriteMessage(f.messageType, f.data); err != nil {
		b.markUpstreamClosed()
		if b.State() == StateActive {
			b.shutdown(closeCause{kind: causeForwarding, err: apierror.New(apierror.TypeForwarding, "upstream_write_failed", "Proxy failed to forward to upstream", err)})
		}
		return false
	}
	b.metrics.FrameForwarded(metrics.DirectionClientToUpstream, f.messageType)
	return true
}

func (b *Bridge) upstreamToClient(up *upstream.Session) error {
	for {
		mt, data, err := up.Conn.ReadMessage()
		if err != nil {
			b.markUpstreamClosed()
			if b.State() != StateActive {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				b.shutdown(closeCause{kind: causeUpstreamClosed, code: ce.Code, reason: ce.Text})
				return nil
			}
			b.shutdown(closeCause{kind: causeUpstreamError, err: apierror.New(apierror.TypeForwarding, "upstream_error", "Upstream connection error", err)})
			return nil
		}
		if b.State() != StateActive {
			return nil
		}
		b.touch()

		out := mt
		if mt == websocket.BinaryMessage && b.cfg.UpstreamBinaryAsText {
			out = websocket.TextMessage
		}
		if err := b.client.write(out, data); err != nil {
			b.shutdown(closeCause{kind: causeClient, err: err})
			return nil
		}
		b.metrics.FrameForwarded(metrics.DirectionUpstreamToClient, mt)
		b.usage.observe(data)
	}
}

func (b *Bridge) pingLoop() error {
	t := time.NewTicker(b.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case <-t.C:
			_ = b.client.ping(b.cfg.CloseTimeout)
			if up := b.openUpstream(); up != nil {
				_ = up.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.cfg.CloseTimeout))
			}
		}
	}
}

func (b *Bridge) idleLoop() error {
	check := b.cfg.IdleTimeout / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	t := time.NewTicker(check)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return nil
		case now := <-t.C:
			last := time.Unix(0, b.lastActivity.Load())
			if now.Sub(last) >= b.cfg.IdleTimeout {
				b.shutdown(closeCause{kind: causeIdle})
				return nil
			}
		}
	}
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *Bridge) openUpstream() *upstream.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.upstreamOpen {
		return nil
	}
	return b.upstream
}

func (b *Bridge) markUpstreamClosed() {
	b.mu.Lock()
	b.upstreamOpen = false
	b.mu.Unlock()
}

func (b *Bridge) dropFrame() {
	b.metrics.FrameDropped()
	b.logger.Debug("dropped client frame, upstream not open")
	_ = b.client.writeFinal(apierror.Frame(b.id, apierror.ErrUpstreamNotConnected), b.cfg.CloseTimeout)
}

// shutdown runs teardown exactly once. The client always gets a status or
// error frame first unless it is the side that went away.
func (b *Bridge) shutdown(c closeCause) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state.Store(int32(StateClosing))
		up := b.upstream
		b.upstreamOpen = false
		b.mu.Unlock()

		b.cause = c
		b.cancel()
		timeout := b.cfg.CloseTimeout

		switch c.kind {
		case causeClient:
			b.logger.Info("client disconnected", "error", closeErr(c.err))
			up.Close(websocket.CloseNormalClosure, "Client disconnected", timeout)
			_ = b.clientW.Close()

		case causeUpstreamClosed:
			b.logger.Info("upstream closed", "code", c.code, "reason", c.reason)
			status := protocol.NewDisconnected(b.id, c.code, c.reason)
			_ = b.client.writeFinal(status, timeout)
			b.client.close(websocket.CloseNormalClosure, "Upstream service disconnected: "+status.Reason, timeout)
			up.Close(websocket.CloseNormalClosure, "", timeout)

		case causeUpstreamError, causeForwarding:
			b.logger.Warn("live relay failed", "error", c.err)
			_ = b.client.writeFinal(apierror.Frame(b.id, c.err), timeout)
			b.client.close(apierror.CloseCode(c.err), apierror.CloseReason(c.err), timeout)
			up.Close(websocket.CloseInternalServerErr, "Proxy forwarding failed", timeout)

		case causeCancel:
			b.logger.Info("live relay canceled by shutdown")
			status := protocol.NewStatus(protocol.StatusShuttingDown, b.id)
			status.Message = "Relay is shutting down."
			_ = b.client.writeFinal(status, timeout)
			b.client.close(websocket.CloseGoingAway, "Relay shutting down", timeout)
			up.Close(websocket.CloseGoingAway, "Relay shutting down", timeout)

		case causeIdle:
			b.logger.Info("live relay idle timeout", "idle_timeout", b.cfg.IdleTimeout)
			f := protocol.NewError(b.id, string(apierror.TypeTransportClose), "idle_timeout", "Session closed after inactivity.")
			_ = b.client.writeFinal(f, timeout)
			b.client.close(websocket.CloseNormalClosure, "Idle timeout", timeout)
			up.Close(websocket.CloseNormalClosure, "Idle timeout", timeout)

		case causePairing:
			b.logger.Warn("upstream open failed", "error", c.err)
			_ = b.client.writeFinal(apierror.Frame(b.id, c.err), timeout)
			b.client.close(apierror.CloseCode(c.err), apierror.CloseReason(c.err), timeout)
		}
	})
}

// closeErr hides the expected close errors so logs only carry surprises.
func closeErr(err error) error {
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	var ne net.Error
	if errors.Is(err, net.ErrClosed) || (errors.As(err, &ne) && ne.Timeout()) {
		return nil
	}
	return err
}
