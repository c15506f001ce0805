package hpfeeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultBrokerName     = "hpfeeds"
	DefaultPort           = 10000
	DefaultAuthTimeout    = 10 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultMaxQueuedBytes = 16 * DefaultMaxPayload

	readBufferSize = 16 * 1024
)

// ErrBrokerClosed is returned by Serve after Close has been called.
var ErrBrokerClosed = errors.New("hpfeeds: broker closed")

// Broker accepts hpfeeds connections, authenticates them against DB and
// routes published frames to every subscriber of the channel except the
// publisher. The zero value of every field other than DB picks a default.
type Broker struct {
	Name string
	Port int
	// Addr overrides Port when set.
	Addr string
	DB   Identifier

	// MaxPayload bounds PUBLISH and ERROR frames in both directions.
	MaxPayload int
	NonceSize  int
	// AuthTimeout bounds both the wait for an AUTH frame and the credential
	// lookup.
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxQueuedBytes is the backlog after which a subscriber is dropped as a
	// slow consumer.
	MaxQueuedBytes int
	// MaxConnections limits concurrent sessions, 0 means unlimited.
	MaxConnections int
	// RateLimit is the number of frames per second a session may send; 0
	// disables rate limiting.
	RateLimit float64
	RateBurst int

	// Logger receives structured logs; nil disables logging.
	Logger *slog.Logger

	initOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	subs      map[string]map[*Session]struct{}
	sessions  map[*Session]struct{}
	listeners map[net.Listener]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// BrokerStats is a point in time view of the broker's routing state.
type BrokerStats struct {
	Sessions      int
	Channels      int
	Subscriptions int
}

// ListenAndServe starts a broker with default settings on port.
func ListenAndServe(name string, port int, db Identifier) error {
	b := &Broker{Name: name, Port: port, DB: db}
	return b.ListenAndServe()
}

func (b *Broker) init() {
	b.initOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.subs = make(map[string]map[*Session]struct{})
		b.sessions = make(map[*Session]struct{})
		b.listeners = make(map[net.Listener]struct{})
	})
}

func (b *Broker) name() string {
	if b.Name == "" {
		return DefaultBrokerName
	}
	return b.Name
}

func (b *Broker) limits() Limits {
	return Limits{MaxPayload: b.MaxPayload}
}

func (b *Broker) authTimeout() time.Duration {
	if b.AuthTimeout <= 0 {
		return DefaultAuthTimeout
	}
	return b.AuthTimeout
}

func (b *Broker) writeTimeout() time.Duration {
	if b.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return b.WriteTimeout
}

func (b *Broker) maxQueuedBytes() int {
	if b.MaxQueuedBytes <= 0 {
		return DefaultMaxQueuedBytes
	}
	return b.MaxQueuedBytes
}

func (b *Broker) nonceSize() int {
	if b.NonceSize <= 0 {
		return DefaultNonceSize
	}
	return b.NonceSize
}

// ListenAndServe listens on the TCP address of the broker and serves
// connections until Close is called.
func (b *Broker) ListenAndServe() error {
	if b.DB == nil {
		return ErrNilIdentifier
	}
	addr := b.Addr
	if addr == "" {
		port := b.Port
		if port == 0 {
			port = DefaultPort
		}
		addr = fmt.Sprintf(":%d", port)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return b.Serve(tcpKeepAliveListener{ln.(*net.TCPListener)})
}

// Serve accepts connections on ln and handles each one in its own
// goroutine. It always returns a non-nil error; after Close it returns
// ErrBrokerClosed.
func (b *Broker) Serve(ln net.Listener) error {
	if b.DB == nil {
		return ErrNilIdentifier
	}
	b.init()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ln.Close()
		return ErrBrokerClosed
	}
	b.listeners[ln] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.listeners, ln)
		b.mu.Unlock()
		ln.Close()
	}()

	b.log().Info("hpfeeds: broker listening", "name", b.name(), "addr", ln.Addr().String())

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isClosed() {
				return ErrBrokerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				b.log().Warn("hpfeeds: accept failed, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		b.ServeConn(conn)
	}
}

// ServeConn starts handling an already accepted connection.
func (b *Broker) ServeConn(conn net.Conn) {
	b.init()
	s := newSession(conn, b)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	if b.MaxConnections > 0 && len(b.sessions) >= b.MaxConnections {
		b.mu.Unlock()
		b.log().Warn("hpfeeds: connection limit reached", "remote", remoteAddr(conn))
		conn.Close()
		return
	}
	b.sessions[s] = struct{}{}
	b.wg.Add(2)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer b.wg.Done()
		b.handleConnection(s)
	}()
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops all listeners, closes every session and waits for their
// goroutines to finish.
func (b *Broker) Close() error {
	b.init()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	for ln := range b.listeners {
		ln.Close()
	}
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	b.wg.Wait()
	return nil
}

// Stats returns the current number of sessions, channels with at least one
// subscriber and channel subscriptions.
func (b *Broker) Stats() BrokerStats {
	b.init()
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := BrokerStats{Sessions: len(b.sessions), Channels: len(b.subs)}
	for _, subs := range b.subs {
		st.Subscriptions += len(subs)
	}
	return st
}

// handleConnection is the read side of a session: it sends INFO, feeds
// everything read into an Unpacker and dispatches frames strictly in the
// order they arrived.
func (b *Broker) handleConnection(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("hpfeeds: panic while handling connection", "panic", r)
			s.Close()
		}
	}()
	defer func() {
		b.disconnect(s)
		s.CloseAfterFlush()
	}()

	s.log.Debug("hpfeeds: new connection")

	nonce, err := NewNonce(b.nonceSize())
	if err != nil {
		s.log.Error("hpfeeds: nonce", "error", err)
		return
	}
	s.Nonce = nonce
	info, err := b.limits().Marshal(InfoFrame{Name: b.name(), Nonce: nonce})
	if err != nil {
		s.log.Error("hpfeeds: encode info", "error", err)
		return
	}
	if !s.send(info) {
		return
	}
	s.setState(StateAwaitingAuth)

	if err := s.Conn.SetReadDeadline(time.Now().Add(b.authTimeout())); err != nil {
		return
	}

	up := NewUnpacker(b.limits())
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.Conn.Read(buf)
		if n > 0 {
			up.Feed(buf[:n])
			for {
				raw, ok, perr := up.Next()
				if perr != nil {
					s.log.Warn("hpfeeds: dropping client", "ident", s.ident, "reason", perr)
					return
				}
				if !ok {
					break
				}
				if !s.allow() {
					s.log.Warn("hpfeeds: rate limit exceeded", "ident", s.ident)
					s.sendError(ErrMsgRateLimit)
					return
				}
				if !b.dispatch(s, raw) {
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && s.State() != StateAuthenticated {
				s.log.Info("hpfeeds: authentication timed out")
			} else {
				s.log.Debug("hpfeeds: connection closed", "ident", s.ident, "error", err)
			}
			return
		}
	}
}

// dispatch handles one frame. It returns false when the session must be
// closed.
func (b *Broker) dispatch(s *Session, raw RawFrame) bool {
	switch raw.Opcode {
	case OpAuth, OpPublish, OpSubscribe, OpUnsubscribe, OpErr:
	default:
		s.log.Info("hpfeeds: unexpected opcode", "opcode", raw.Opcode.String())
		s.sendError(ErrMsgUnknownOpcode)
		return true
	}

	frame, err := raw.Decode()
	if err != nil {
		s.log.Info("hpfeeds: malformed frame", "opcode", raw.Opcode.String(), "error", err)
		s.sendError(ErrMsgMalformed)
		return true
	}

	switch f := frame.(type) {
	case AuthFrame:
		return b.handleAuth(s, f)
	case PublishFrame:
		b.handlePublish(s, raw, f)
	case SubscribeFrame:
		b.handleSubscribe(s, f)
	case UnsubscribeFrame:
		b.handleUnsubscribe(s, f)
	case ErrorFrame:
		s.log.Info("hpfeeds: error from client", "ident", s.ident, "reason", f.Message)
	}
	return true
}

func (b *Broker) handleAuth(s *Session, f AuthFrame) bool {
	if s.State() == StateAuthenticated {
		s.log.Warn("hpfeeds: repeated auth", "ident", s.ident, "requested", f.Ident)
		s.sendError(ErrMsgAuthFail)
		return true
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.authTimeout())
	defer cancel()
	id, err := b.identify(ctx, f.Ident)
	switch {
	case errors.Is(err, ErrUnknownIdent) || (err == nil && id == nil):
		s.log.Warn("hpfeeds: authentication failed", "ident", f.Ident, "reason", "unknown ident")
		s.sendError(ErrMsgAuthFail)
		return false
	case err != nil:
		s.log.Error("hpfeeds: identity lookup failed", "ident", f.Ident, "error", err)
		s.sendError(ErrMsgAuthFail)
		return false
	case !VerifyAuth(s.Nonce, id.Secret, f.Hash):
		s.log.Warn("hpfeeds: authentication failed", "ident", f.Ident, "reason", "bad hash")
		s.sendError(ErrMsgAuthFail)
		return false
	}

	if err := s.Conn.SetReadDeadline(time.Time{}); err != nil {
		return false
	}
	s.authenticated(f.Ident, id)
	s.log.Info("hpfeeds: client authenticated", "ident", f.Ident)
	return true
}

// identify runs the credential lookup, converting a panic in the store into
// an error so one bad lookup cannot take the broker down.
func (b *Broker) identify(ctx context.Context, ident string) (id *Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hpfeeds: identifier panic: %v", r)
		}
	}()
	return b.DB.Identify(ctx, ident)
}

// checkIdent sends identfail unless the session is authenticated as ident.
func (b *Broker) checkIdent(s *Session, op Opcode, ident, channel string) bool {
	if s.State() == StateAuthenticated && ident == s.ident {
		return true
	}
	s.log.Warn("hpfeeds: ident mismatch", "opcode", op.String(), "ident", s.Ident(), "claimed", ident, "channel", channel)
	s.sendError(ErrMsgIdentFail)
	return false
}

func (b *Broker) handlePublish(s *Session, raw RawFrame, f PublishFrame) {
	if !b.checkIdent(s, OpPublish, f.Ident, f.Channel) {
		return
	}
	if !s.identity.CanPublish(f.Channel) {
		s.log.Warn("hpfeeds: publish not allowed", "ident", s.ident, "channel", f.Channel)
		s.sendError(ErrMsgAccessFail)
		return
	}
	b.publish(s, f.Channel, raw.Bytes())
}

func (b *Broker) handleSubscribe(s *Session, f SubscribeFrame) {
	if !b.checkIdent(s, OpSubscribe, f.Ident, f.Channel) {
		return
	}
	if !s.identity.CanSubscribe(f.Channel) {
		s.log.Warn("hpfeeds: subscribe not allowed", "ident", s.ident, "channel", f.Channel)
		s.sendError(ErrMsgAccessFail)
		return
	}
	if b.subscribe(s, f.Channel) {
		s.log.Debug("hpfeeds: subscribed", "ident", s.ident, "channel", f.Channel)
		b.announce(s, f.Channel, "join")
	}
}

func (b *Broker) handleUnsubscribe(s *Session, f UnsubscribeFrame) {
	if !b.checkIdent(s, OpUnsubscribe, f.Ident, f.Channel) {
		return
	}
	if b.unsubscribe(s, f.Channel) {
		s.log.Debug("hpfeeds: unsubscribed", "ident", s.ident, "channel", f.Channel)
		b.announce(s, f.Channel, "leave")
	}
}

// publish forwards frame to every subscriber of channel except from and
// returns the number of sessions it was queued for.
func (b *Broker) publish(from *Session, channel string, frame []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for sub := range b.subs[channel] {
		if sub == from {
			continue
		}
		if sub.send(frame) {
			n++
		}
	}
	return n
}

func (b *Broker) subscribe(s *Session, channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[channel]
	if !ok {
		subs = make(map[*Session]struct{})
		b.subs[channel] = subs
	}
	if _, dup := subs[s]; dup {
		return false
	}
	subs[s] = struct{}{}
	s.channels[channel] = struct{}{}
	return true
}

func (b *Broker) unsubscribe(s *Session, channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(s, channel)
}

func (b *Broker) removeLocked(s *Session, channel string) bool {
	subs, ok := b.subs[channel]
	if !ok {
		return false
	}
	if _, ok := subs[s]; !ok {
		return false
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	delete(s.channels, channel)
	return true
}

// disconnect removes s from the session registry and from every channel it
// was subscribed to, announcing each departure.
func (b *Broker) disconnect(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	left := make([]string, 0, len(s.channels))
	for channel := range s.channels {
		if b.removeLocked(s, channel) {
			left = append(left, channel)
		}
	}
	b.mu.Unlock()

	for _, channel := range left {
		b.announce(s, channel, "leave")
	}
	if s.ident != "" {
		s.log.Info("hpfeeds: client disconnected", "ident", s.ident, "channels", len(left))
	}
}

// Announcement is the payload published on a meta channel when a session
// joins or leaves the base channel.
type Announcement struct {
	Action  string `json:"action"`
	Ident   string `json:"ident"`
	Channel string `json:"chan"`
}

// announce publishes a join or leave notification on channel's meta channel
// if anyone is listening there. Meta channels are not announced themselves.
func (b *Broker) announce(s *Session, channel, action string) {
	if IsMetaChannel(channel) {
		return
	}
	meta := channel + MetaSuffix
	b.mu.RLock()
	listeners := len(b.subs[meta])
	b.mu.RUnlock()
	if listeners == 0 {
		return
	}

	payload, err := json.Marshal(Announcement{Action: action, Ident: s.ident, Channel: channel})
	if err != nil {
		s.log.Error("hpfeeds: encode announcement", "error", err)
		return
	}
	frame, err := b.limits().Marshal(PublishFrame{Ident: b.name(), Channel: meta, Payload: payload})
	if err != nil {
		s.log.Debug("hpfeeds: cannot announce", "channel", channel, "error", err)
		return
	}
	b.publish(s, meta, frame)
}
