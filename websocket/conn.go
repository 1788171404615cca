package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// isTransientRecvErr reports whether err means only "nothing arrived in
// time", not a protocol or transport failure: the session stays open
// and the caller may call NextMessage again.
func isTransientRecvErr(err error) bool {
	return errors.Is(err, ErrRecvTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		IsTemporaryError(err)
}

// Options configures a Conn. A nil *Options passed to NewConn or Dial
// means "use DefaultOptions()".
type Options struct {
	// RecvTimeout bounds how long NextFrame waits for a complete frame.
	// Zero uses the default (60s); a negative value disables the deadline.
	RecvTimeout time.Duration
	// SendTimeout bounds how long SendFrame waits to finish a write.
	// Zero uses the default (10s); a negative value disables the deadline.
	SendTimeout time.Duration

	// MaxFrameSize rejects any single frame whose declared payload
	// length exceeds this many bytes. Zero disables the limit.
	MaxFrameSize int64
	// MaxMessageSize rejects a reassembled message once its accumulated
	// payload exceeds this many bytes. Zero disables the limit.
	MaxMessageSize int64

	// PingInterval, when positive, starts a background loop that sends
	// a Ping every interval and requires a Pong within PongTimeout.
	PingInterval time.Duration
	// PongTimeout bounds how long to wait for a Pong after a Ping sent
	// by the liveness loop. Defaults to PingInterval if zero.
	PongTimeout time.Duration

	// DisableAutoPong stops Conn from answering a received Ping with a
	// Pong automatically; NextMessage then returns each Ping as a
	// ControlFrame and the caller answers it via SendPong instead.
	// Left false (the default, zero value), NextMessage answers every
	// Ping itself and never surfaces it.
	DisableAutoPong bool
	// DisableUTF8Validation turns off the UTF-8 check SendText applies
	// to outbound text. Inbound Text message payloads and Close reasons
	// are always validated, whatever this field says.
	DisableUTF8Validation bool

	// Role is overwritten by NewConn/Dial with the role they construct
	// the Conn for; a value set here by the caller is ignored.
	Role Role

	// RandSource overrides the entropy source for client mask-key
	// generation. nil uses crypto/rand; only ever set in tests.
	RandSource io.Reader

	// ReadBufferSize and WriteBufferSize are not read by Conn: the
	// Reader always starts with 4096-byte buffers and grows them as
	// needed, and the Writer serializes each frame into a buffer of
	// exactly its wire size.
	ReadBufferSize  int
	WriteBufferSize int

	// CloseGracePeriod bounds how long Close waits for the peer's
	// answering Close frame before giving up and closing the
	// transport anyway.
	CloseGracePeriod time.Duration

	// Header carries additional headers for the client opening
	// handshake request (Dial only).
	Header http.Header
	// Subprotocols lists the Sec-WebSocket-Protocol values offered
	// during the client opening handshake (Dial only).
	Subprotocols []string
}

// DefaultOptions returns the Options NewConn and Dial use when passed
// nil: a 60s receive timeout, a 10s send timeout, a 32MB frame and
// message ceiling, a 30s/10s ping/pong liveness check, auto-pong and
// UTF-8 validation enabled, and a 5s close grace period.
func DefaultOptions() *Options {
	return &Options{
		RecvTimeout:      60 * time.Second,
		SendTimeout:      10 * time.Second,
		MaxFrameSize:     32 * 1024 * 1024,
		MaxMessageSize:   32 * 1024 * 1024,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		CloseGracePeriod: 5 * time.Second,
	}
}

func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	merged := *o
	if merged.RecvTimeout == 0 {
		merged.RecvTimeout = d.RecvTimeout
	}
	if merged.SendTimeout == 0 {
		merged.SendTimeout = d.SendTimeout
	}
	if merged.PongTimeout == 0 {
		merged.PongTimeout = merged.PingInterval
		if merged.PongTimeout == 0 {
			merged.PongTimeout = d.PongTimeout
		}
	}
	if merged.CloseGracePeriod == 0 {
		merged.CloseGracePeriod = d.CloseGracePeriod
	}
	return &merged
}

// Conn is an open WebSocket session over a net.Conn: the frame codec,
// fragmentation reassembly, control-frame handling, and close
// handshake described by RFC 6455 Sections 5-7, wired onto a role
// (Client masks outbound, Server masks nothing).
type Conn struct {
	netConn net.Conn
	role    Role
	opts    *Options

	reader    *Reader
	writer    *Writer
	assembler *Assembler
	writeMu   sync.Mutex

	stateMu sync.Mutex
	state   State

	closeOnce sync.Once
	done      chan struct{}

	pingMu          sync.Mutex
	pingOutstanding bool
	pingSentAt      time.Time
	pongTimer       *time.Timer
	wg              sync.WaitGroup
}

// NewConn wraps netConn in a WebSocket session that has already
// completed its opening handshake (or, for a server, whose caller
// handled the HTTP Upgrade itself). nil opts uses DefaultOptions().
func NewConn(netConn net.Conn, role Role, opts *Options) *Conn {
	opts = opts.withDefaults()
	opts.Role = role

	c := &Conn{
		netConn: netConn,
		role:    role,
		opts:    opts,
		reader:  NewReader(netConn, role, opts.MaxFrameSize),
		writer:  NewWriter(netConn, role, opts.RandSource),
		state:   StateOpen,
		done:    make(chan struct{}),
	}
	c.assembler = NewAssembler(c.reader, opts.MaxMessageSize)

	if opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c
}

// State returns the session's current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// NextMessage returns the next application Message, or a ControlFrame
// for a Close the caller must observe. Pongs are handled internally and
// never surfaced; Pings are answered internally unless DisableAutoPong
// is set, in which case they are returned as ControlFrames. Data
// messages arriving after the session has left StateOpen are
// discarded. Once the session reaches StateClosed, NextMessage returns
// ErrConnectionClosed.
func (c *Conn) NextMessage(ctx context.Context) (*Message, *ControlFrame, error) {
	if c.State() == StateClosed {
		return nil, nil, ErrConnectionClosed
	}

	for {
		msg, cf, err := c.assembler.Next(ctx, c.opts.RecvTimeout)
		if err != nil {
			if isTransientRecvErr(err) {
				return nil, nil, err
			}
			c.failWith(err)
			return nil, nil, err
		}
		if msg != nil {
			if c.State() != StateOpen {
				continue
			}
			return msg, nil, nil
		}

		switch {
		case cf.IsPing():
			c.notePeerActivity()
			if c.opts.DisableAutoPong {
				return nil, cf, nil
			}
			_ = c.sendControl(ctx, opcodePong, cf.Payload)
		case cf.IsPong():
			c.noteLivenessPong()
		case cf.IsClose():
			return nil, cf, c.handlePeerClose(ctx, cf.Payload)
		}
	}
}

func (c *Conn) handlePeerClose(ctx context.Context, payload []byte) error {
	switch c.State() {
	case StateClosingLocal:
		// We initiated; this is the peer's answer.
		c.setState(StateClosed)
		_ = c.netConn.Close()
	default:
		c.setState(StateClosingRemote)
		_ = c.sendControl(ctx, opcodeClose, payload)
		c.setState(StateClosed)
		_ = c.netConn.Close()
	}
	return nil
}

func (c *Conn) failWith(err error) {
	if c.State() == StateClosed {
		return
	}
	// err already means "the connection is gone" (EOF/transport teardown
	// reported as ErrConnectionClosed): there is no live transport left
	// to carry a best-effort Close frame.
	if code := closeCodeFor(err); code != 0 && !IsCloseError(err) {
		_ = c.sendControl(context.Background(), opcodeClose, encodeCloseCode(code))
	}
	c.setState(StateClosed)
	_ = c.netConn.Close()
}

// SendText sends data as a single unfragmented Text frame.
func (c *Conn) SendText(ctx context.Context, data []byte) error {
	if !c.opts.DisableUTF8Validation {
		if err := validateUTF8(data); err != nil {
			return err
		}
	}
	return c.sendData(ctx, opcodeText, data)
}

// SendBinary sends data as a single unfragmented Binary frame.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.sendData(ctx, opcodeBinary, data)
}

func (c *Conn) sendData(ctx context.Context, opcode byte, data []byte) error {
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	f := &frame{fin: true, opcode: opcode, payload: data}
	return c.send(ctx, f)
}

// SendPing sends a Ping control frame carrying data (max 125 bytes).
func (c *Conn) SendPing(ctx context.Context, data []byte) error {
	return c.sendControl(ctx, opcodePing, data)
}

// SendPong sends an unsolicited Pong control frame.
func (c *Conn) SendPong(ctx context.Context, data []byte) error {
	return c.sendControl(ctx, opcodePong, data)
}

func (c *Conn) sendControl(ctx context.Context, opcode byte, data []byte) error {
	if len(data) > maxControlPayload {
		return ErrOversizedControl
	}
	f := &frame{fin: true, opcode: opcode, payload: data}
	return c.send(ctx, f)
}

func (c *Conn) send(ctx context.Context, f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writer.SendFrame(ctx, f, c.opts.SendTimeout)
}

// SendClose starts the closing handshake: it sends a Close frame with
// code and reason, transitions to StateClosingLocal, and returns. The
// caller should keep calling NextMessage until it observes the peer's
// answering Close (or CloseGracePeriod elapses and Close force-closes
// the transport).
func (c *Conn) SendClose(ctx context.Context, code CloseCode, reason string) error {
	if err := validateCloseCode(code); err != nil {
		return err
	}
	if err := validateUTF8([]byte(reason)); err != nil {
		return err
	}
	if c.State() != StateOpen {
		return ErrConnectionClosed
	}

	payload := encodeCloseCode(code)
	payload = append(payload, reason...)
	if err := c.sendControl(ctx, opcodeClose, payload); err != nil {
		return err
	}
	c.setState(StateClosingLocal)
	return nil
}

func encodeCloseCode(code CloseCode) []byte {
	return []byte{byte(code >> 8), byte(code & 0xFF)}
}

// Close performs a best-effort clean close: if still open, it sends a
// normal-closure Close frame and reads frames itself for up to
// CloseGracePeriod, waiting for the peer's answer. It does not
// coordinate with a NextMessage call running at the same time. It
// always closes the underlying transport before returning.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseGracePeriod)
		defer cancel()

		if c.State() == StateOpen {
			if sendErr := c.SendClose(ctx, CloseNormalClosure, ""); sendErr != nil {
				err = sendErr
			}
			c.drainUntilClosed(ctx)
		}

		close(c.done)
		c.wg.Wait()
		c.setState(StateClosed)
		if closeErr := c.netConn.Close(); err == nil {
			err = closeErr
		}
	})
	return err
}

// drainUntilClosed reads frames until the peer's Close answer arrives
// or ctx expires, so a caller who calls Close without a separate read
// loop still completes the handshake per RFC 6455 Section 7.1.2.
func (c *Conn) drainUntilClosed(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		timeout := c.opts.RecvTimeout
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return
			}
			if timeout <= 0 || remaining < timeout {
				timeout = remaining
			}
		}
		_, cf, err := c.assembler.Next(ctx, timeout)
		if err != nil {
			return
		}
		if cf != nil && cf.IsClose() {
			return
		}
	}
}

func (c *Conn) notePeerActivity() {
	c.pingMu.Lock()
	c.pingOutstanding = false
	c.stopPongTimerLocked()
	c.pingMu.Unlock()
}

func (c *Conn) noteLivenessPong() {
	c.pingMu.Lock()
	c.pingOutstanding = false
	c.stopPongTimerLocked()
	c.pingMu.Unlock()
}

// stopPongTimerLocked stops the pending pong deadline, if any. Callers
// must hold pingMu.
func (c *Conn) stopPongTimerLocked() {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// pingLoop sends a Ping every PingInterval and force-closes the session
// if neither a Pong nor a Ping from the peer is seen by NextMessage
// within PongTimeout of that Ping; data messages do not count. The deadline is its own timer armed right after the Ping
// is sent, not a check piggybacked on the next PingInterval tick, so a
// dead peer is caught within PongTimeout rather than within
// PingInterval+PongTimeout in the worst case.
func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer func() {
		c.pingMu.Lock()
		c.stopPongTimerLocked()
		c.pingMu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			err := c.SendPing(ctx, nil)
			cancel()
			if err != nil {
				return
			}

			c.pingMu.Lock()
			c.pingOutstanding = true
			c.pingSentAt = time.Now()
			c.stopPongTimerLocked()
			c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() {
				c.pingMu.Lock()
				timedOut := c.pingOutstanding
				c.pingMu.Unlock()
				if timedOut {
					c.failWith(ErrPingTimeout)
				}
			})
			c.pingMu.Unlock()
		}
	}
}
