package hpfeeds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MessageHandler receives every PUBLISH frame delivered to the client.
type MessageHandler func(ident, channel string, payload []byte)

// ErrorHandler receives the payload of every ERROR frame sent by the broker.
// Authentication failures surface here, since the protocol has no positive
// acknowledgement of AUTH.
type ErrorHandler func(payload []byte)

// ChannelHandler returns a MessageHandler that writes every message to ch.
func ChannelHandler(ch chan<- Message) MessageHandler {
	return func(ident, channel string, payload []byte) {
		ch <- Message{Name: ident, Channel: channel, Payload: payload}
	}
}

// Client stores internal state for one hpfeeds connection. The set of
// subscribed channels outlives any single TCP connection: every time the
// client (re)connects it subscribes to all of them again. On disconnection
// the cause is written to the Disconnected channel (buffered, latest only).
// Set LocalAddr to choose the local IP address and port to bind to.
type Client struct {
	LocalAddr net.TCPAddr

	Host  string
	Port  int
	Ident string
	Auth  string

	Disconnected chan error

	timeout     time.Duration
	readTimeout time.Duration
	reconnect   bool
	newBackOff  func() backoff.BackOff
	limits      Limits
	tlsConfig   *tls.Config
	caCertFiles []string
	serverName  string

	mu         sync.Mutex
	logger     *slog.Logger
	conn       net.Conn
	up         *Unpacker
	brokerName string
	ready      chan struct{}
	subs       map[string]struct{}
	closed     bool

	dialMu  sync.Mutex
	writeMu sync.Mutex

	stopOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient returns a new Client object and initializes necessary channels.
func NewClient(host string, port int, ident string, auth string, opts ...Option) *Client {
	c := &Client{
		Host:  host,
		Port:  port,
		Ident: ident,
		Auth:  auth,

		Disconnected: make(chan error, 1),

		timeout:     DefaultTimeout,
		readTimeout: DefaultReadTimeout,
		reconnect:   true,
		newBackOff:  defaultBackOff,
		limits:      DefaultLimits,

		ready: make(chan struct{}),
		subs:  make(map[string]struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Connect establishes a new hpfeeds connection and blocks until the AUTH
// frame has been sent or the connection attempts allowed by the reconnect
// policy are exhausted, in which case a *ConnectError is returned.
func (c *Client) Connect(ctx context.Context) error {
	c.clearDisconnected()
	if c.Connected() {
		return nil
	}
	return c.connect(ctx, false)
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// BrokerName returns the name the broker sent in its INFO frame.
func (c *Client) BrokerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.brokerName
}

// connect dials until a session is established. With wait set, the first
// attempt is delayed by one backoff interval.
func (c *Client) connect(ctx context.Context, wait bool) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.Connected() {
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.reconnect {
		policy = c.newBackOff()
	}
	policy = backoff.WithContext(policy, ctx)

	if wait {
		d := policy.NextBackOff()
		if d == backoff.Stop {
			return &ConnectError{Addr: c.addr(), Err: ErrNotConnected}
		}
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		attempt++
		return c.dial(ctx)
	}, policy, func(err error, d time.Duration) {
		c.log().Warn("hpfeeds: connect failed, retrying", "addr", c.addr(), "attempt", attempt, "error", err, "delay", d)
	})
	if err != nil {
		return &ConnectError{Addr: c.addr(), Err: err}
	}
	return nil
}

// sleep waits for d unless ctx is done or Stop or Close is called.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

// dial opens one connection, performs the INFO/AUTH exchange and installs
// the connection. Remembered subscriptions are sent right after AUTH, before
// any other goroutine can write to the new connection.
func (c *Client) dial(ctx context.Context) error {
	tlsConfig, err := c.buildTLSConfig()
	if err != nil {
		return backoff.Permanent(err)
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	if c.LocalAddr.IP != nil || c.LocalAddr.Port != 0 {
		local := c.LocalAddr
		dialer.LocalAddr = &local
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	// Unblock the handshake when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	up := NewUnpacker(c.limits)
	info, err := c.awaitInfo(conn, up)
	if !stop() {
		conn.Close()
		return ctx.Err()
	}
	if err != nil {
		conn.Close()
		return err
	}

	auth, err := c.limits.Marshal(AuthFrame{Ident: c.Ident, Hash: AuthHash(info.Nonce, c.Auth)})
	if err != nil {
		conn.Close()
		return backoff.Permanent(err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return backoff.Permanent(ErrClosed)
	}
	subs := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		subs = append(subs, channel)
	}
	c.conn = conn
	c.up = up
	c.brokerName = info.Name
	close(c.ready)
	c.mu.Unlock()

	if err := c.write(conn, auth); err != nil {
		c.dropConn(conn, err)
		return err
	}
	for _, channel := range subs {
		frame, err := c.limits.Marshal(SubscribeFrame{Ident: c.Ident, Channel: channel})
		if err != nil {
			c.log().Error("hpfeeds: cannot resubscribe", "channel", channel, "error", err)
			continue
		}
		if err := c.write(conn, frame); err != nil {
			c.dropConn(conn, err)
			return err
		}
	}

	c.log().Info("hpfeeds: connected", "addr", c.addr(), "broker", info.Name, "ident", c.Ident, "channels", len(subs))
	return nil
}

// awaitInfo reads until the broker's INFO frame arrives. Frames following it
// stay buffered in up for Run.
func (c *Client) awaitInfo(conn net.Conn, up *Unpacker) (InfoFrame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return InfoFrame{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1024)
	for {
		raw, ok, err := up.Next()
		if err != nil {
			return InfoFrame{}, err
		}
		if ok {
			frame, err := raw.Decode()
			if err != nil {
				return InfoFrame{}, err
			}
			switch f := frame.(type) {
			case InfoFrame:
				return f, nil
			case ErrorFrame:
				return InfoFrame{}, fmt.Errorf("%w: broker error %q", ErrNoInfo, f.Message)
			default:
				return InfoFrame{}, fmt.Errorf("%w: got %s", ErrNoInfo, raw.Opcode)
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			up.Feed(buf[:n])
			continue
		}
		if err != nil {
			return InfoFrame{}, fmt.Errorf("await info: %w", err)
		}
	}
}

// write sends one complete frame. The caller must hold writeMu.
func (c *Client) write(conn net.Conn, buf []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// waitConn returns the current connection. When reconnecting is enabled
// and nobody else is dialing, it reconnects itself, so a client that only
// publishes recovers without Run. Otherwise it waits for the dialer.
func (c *Client) waitConn(ctx context.Context) (net.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		if !c.reconnect {
			return nil, ErrNotConnected
		}

		if c.dialMu.TryLock() {
			c.dialMu.Unlock()
			if err := c.connectUntilClosed(ctx); err != nil {
				if c.isClosed() {
					return nil, ErrClosed
				}
				return nil, err
			}
			continue
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}
}

// connectUntilClosed is connect with ctx also ending on Close.
func (c *Client) connectUntilClosed(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return c.connect(ctx, false)
}

// send writes frame to the broker. A frame that fails mid-write is sent
// again in full on the next connection when reconnecting is enabled.
func (c *Client) send(ctx context.Context, frame []byte) error {
	for {
		conn, err := c.waitConn(ctx)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		err = c.write(conn, frame)
		c.writeMu.Unlock()
		if err == nil {
			return nil
		}
		c.dropConn(conn, err)
		if !c.reconnect {
			return err
		}
	}
}

// dropConn discards conn if it is still the current connection.
func (c *Client) dropConn(conn net.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.up = nil
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	conn.Close()
	if current {
		c.log().Warn("hpfeeds: disconnected", "addr", c.addr(), "error", err)
		c.setDisconnected(err)
	}
}

// Publish sends payload to each of the given channels, one PUBLISH frame
// per channel. While disconnected it reconnects, or waits for Run to do
// so, and then sends; with reconnecting disabled it fails instead. Success
// only means the frames were written; the broker reports a denied publish
// asynchronously.
func (c *Client) Publish(ctx context.Context, payload []byte, channels ...string) error {
	for _, channel := range channels {
		frame, err := c.limits.Marshal(PublishFrame{Ident: c.Ident, Channel: channel, Payload: payload})
		if err != nil {
			return err
		}
		if err := c.send(ctx, frame); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
	}
	return nil
}

// Subscribe adds channels to the subscription set and sends a SUBSCRIBE
// frame for each if the client is connected. Otherwise they are sent on
// the next connect.
func (c *Client) Subscribe(ctx context.Context, channels ...string) error {
	frames := make([][]byte, 0, len(channels))
	for _, channel := range channels {
		frame, err := c.limits.Marshal(SubscribeFrame{Ident: c.Ident, Channel: channel})
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	c.mu.Lock()
	for _, channel := range channels {
		c.subs[channel] = struct{}{}
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	for i, frame := range frames {
		if err := c.sendIfConnected(frame); err != nil {
			return fmt.Errorf("subscribe %s: %w", channels[i], err)
		}
	}
	return nil
}

// Unsubscribe removes channels from the subscription set and tells the
// broker if connected.
func (c *Client) Unsubscribe(ctx context.Context, channels ...string) error {
	frames := make([][]byte, 0, len(channels))
	for _, channel := range channels {
		frame, err := c.limits.Marshal(UnsubscribeFrame{Ident: c.Ident, Channel: channel})
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	c.mu.Lock()
	for _, channel := range channels {
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	for i, frame := range frames {
		if err := c.sendIfConnected(frame); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", channels[i], err)
		}
	}
	return nil
}

// sendIfConnected writes frame on the current connection. Being offline is
// not an error: the subscription set is replayed on reconnect.
func (c *Client) sendIfConnected(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	err := c.write(conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.dropConn(conn, err)
		if c.reconnect {
			return nil
		}
	}
	return err
}

// Subscriptions returns the channels the client is subscribed to.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		out = append(out, channel)
	}
	return out
}

// Run reads from the broker and dispatches PUBLISH frames to onMessage and
// ERROR frames to onError until Stop or Close is called or ctx is done.
// Lost connections are re-established according to the reconnect policy; a
// corrupted stream is never resumed, the connection is replaced. With
// reconnecting disabled the first connection error is returned.
func (c *Client) Run(ctx context.Context, onMessage MessageHandler, onError ErrorHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
		case <-c.done:
		case <-ctx.Done():
		}
		cancel()
	}()

	buf := make([]byte, readBufferSize)
	wait := false
	for {
		if c.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		conn, up := c.conn, c.up
		c.mu.Unlock()

		if conn == nil {
			if !c.reconnect {
				return ErrNotConnected
			}
			if err := c.connect(ctx, wait); err != nil {
				if c.stopped() {
					return nil
				}
				return err
			}
			wait = false
			continue
		}

		err := c.readFrames(conn, up, buf, onMessage, onError)
		if err == nil {
			continue
		}
		c.dropConn(conn, err)
		if c.stopped() {
			return nil
		}
		if !c.reconnect {
			return err
		}
		wait = true
	}
}

// readFrames performs one read and dispatches every frame it completed. A
// read timeout is not an error; it lets Run observe Stop.
func (c *Client) readFrames(conn net.Conn, up *Unpacker, buf []byte, onMessage MessageHandler, onError ErrorHandler) error {
	if err := c.dispatchBuffered(up, onMessage, onError); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return err
	}
	n, err := conn.Read(buf)
	if n > 0 {
		up.Feed(buf[:n])
		// Frames that arrived together with EOF are still delivered.
		if derr := c.dispatchBuffered(up, onMessage, onError); derr != nil {
			return derr
		}
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) dispatchBuffered(up *Unpacker, onMessage MessageHandler, onError ErrorHandler) error {
	for {
		raw, ok, err := up.Next()
		if err != nil || !ok {
			return err
		}
		c.dispatch(raw, onMessage, onError)
	}
}

func (c *Client) dispatch(raw RawFrame, onMessage MessageHandler, onError ErrorHandler) {
	switch raw.Opcode {
	case OpPublish:
		frame, err := raw.Decode()
		if err != nil {
			c.log().Warn("hpfeeds: invalid publish", "error", err)
			return
		}
		f := frame.(PublishFrame)
		if onMessage != nil {
			onMessage(f.Ident, f.Channel, f.Payload)
		}
	case OpErr:
		c.log().Warn("hpfeeds: received error from broker", "reason", string(raw.Payload))
		if onError != nil {
			onError(raw.Payload)
		}
	case OpInfo:
		c.log().Debug("hpfeeds: ignoring repeated INFO")
	default:
		c.log().Warn("hpfeeds: received message with unknown type", "opcode", raw.Opcode.String())
	}
}

// Stop makes Run return within one read timeout. The connection stays
// open. Stop is permanent: any later call to Run returns nil at once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the hpfeeds connection, stops Run and wakes up blocked
// publishers. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.up = nil
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			conn.Close()
			c.setDisconnected(nil)
		}
	})
	return nil
}

func (c *Client) clearDisconnected() {
	select {
	case <-c.Disconnected:
	default:
	}
}

// setDisconnected replaces any pending value on the Disconnected channel
// with err.
func (c *Client) setDisconnected(err error) {
	c.clearDisconnected()
	select {
	case c.Disconnected <- err:
	default:
	}
}
