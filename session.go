package hpfeeds

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// A Session keeps track of whether or not a connection has been
// authenticated, the identity it authenticated as and the channels it is
// subscribed to. Frames destined for the peer go through a FIFO drained by
// a single writer goroutine, so a frame is always written completely before
// the next one starts.
type Session struct {
	ID    string
	Conn  net.Conn
	Nonce []byte

	state    atomic.Int32
	ident    string
	identity *Identity

	// channels is guarded by the owning Broker's mutex.
	channels map[string]struct{}

	limiter      *rate.Limiter
	writeTimeout time.Duration
	log          *slog.Logger

	qmu        sync.Mutex
	cond       *sync.Cond
	out        *queue.Queue
	queued     int
	maxQueued  int
	flushClose bool
	stopped    bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn net.Conn, b *Broker) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Conn:         conn,
		channels:     make(map[string]struct{}),
		writeTimeout: b.writeTimeout(),
		out:          queue.New(),
		maxQueued:    b.maxQueuedBytes(),
		done:         make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.qmu)
	if b.RateLimit > 0 {
		burst := b.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(b.RateLimit), burst)
	}
	s.log = b.log().With("session", s.ID, "remote", remoteAddr(conn))
	s.setState(StateAwaitingInfoSent)
	return s
}

// State returns the authentication state of the session.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(st ConnState) {
	s.state.Store(int32(st))
}

// Ident returns the ident the session authenticated as, or "" before
// authentication.
func (s *Session) Ident() string {
	if s.State() != StateAuthenticated {
		return ""
	}
	return s.ident
}

func (s *Session) authenticated(ident string, id *Identity) {
	s.ident = ident
	s.identity = id
	s.setState(StateAuthenticated)
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// send queues a complete frame for the peer. A session whose backlog grows
// past maxQueued is a slow consumer and gets closed.
func (s *Session) send(frame []byte) bool {
	s.qmu.Lock()
	if s.stopped || s.flushClose {
		s.qmu.Unlock()
		return false
	}
	if s.maxQueued > 0 && s.queued+len(frame) > s.maxQueued {
		queued := s.queued
		s.qmu.Unlock()
		s.log.Warn("hpfeeds: slow consumer, closing session", "queued", queued)
		s.Close()
		return false
	}
	s.out.Add(frame)
	s.queued += len(frame)
	s.qmu.Unlock()
	s.cond.Signal()
	return true
}

func (s *Session) sendError(msg string) {
	frame, err := MsgError(msg)
	if err != nil {
		s.log.Error("hpfeeds: encode error frame", "error", err)
		return
	}
	s.send(frame)
}

func (s *Session) writeLoop() {
	for {
		s.qmu.Lock()
		for s.out.Length() == 0 && !s.flushClose && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || s.out.Length() == 0 {
			s.qmu.Unlock()
			s.Close()
			return
		}
		frame := s.out.Remove().([]byte)
		s.queued -= len(frame)
		s.qmu.Unlock()

		if err := s.write(frame); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debug("hpfeeds: write failed", "error", err)
			}
			s.Close()
			return
		}
	}
}

func (s *Session) write(buf []byte) error {
	if s.writeTimeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	for len(buf) > 0 {
		n, err := s.Conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// CloseAfterFlush stops accepting new frames and closes the connection once
// everything already queued has been written.
func (s *Session) CloseAfterFlush() {
	s.qmu.Lock()
	s.flushClose = true
	s.qmu.Unlock()
	s.cond.Broadcast()
}

// Close will close the connection immediately, dropping queued frames. This
// is a thread safe function.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.qmu.Lock()
		s.stopped = true
		s.qmu.Unlock()
		s.cond.Broadcast()
		s.setState(StateClosed)
		if err := s.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("hpfeeds: close connection", "error", err)
		}
		close(s.done)
	})
}

// Done is closed once the session's connection has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
