package comfytest

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// session is one connected WebSocket client. A dedicated pump goroutine
// owns the write side; everything else goes through out.
type session struct {
	id     string
	conn   *websocket.Conn
	raw    net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
}

func (sess *session) send(frame []byte) {
	select {
	case sess.out <- frame:
	case <-sess.ctx.Done():
	}
}

// kill severs the session's TCP connection without a close handshake, so
// the client observes a connection loss rather than an orderly shutdown.
// Canceling the context alone won't do: the WebSocket library answers a
// canceled read with a close frame, which reads as a handshake peer-side.
func (sess *session) kill() {
	if sess.raw != nil {
		sess.raw.Close()
	}
	sess.cancel()
}

func (sess *session) writePump(log *zap.SugaredLogger) {
	for {
		select {
		case frame := <-sess.out:
			if err := sess.conn.Write(sess.ctx, websocket.MessageText, frame); err != nil {
				log.Debugf("session write error: %s", err)
				sess.cancel()
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// sessionSet allows dynamic concurrent addition and removal of sessions,
// and blocks broadcasts while there are no sessions. We want to block
// because broadcasts carry scripted events: if the test asked for an event
// to be delivered, we don't drop it just because the client is still
// connecting (or mid-reconnect), we wait for the session to arrive.
type sessionSet struct {
	mu     sync.Mutex
	closed bool
	// waiters holds channels that receive a session when the count goes
	// from 0->1, so blocked broadcasts can proceed. A nil session means
	// the server stopped.
	waiters  []chan *session
	sessions []*session
}

func newSessionSet() *sessionSet {
	return &sessionSet{}
}

func (ss *sessionSet) add(sess *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions = append(ss.sessions, sess)
	for _, waiter := range ss.waiters {
		waiter <- sess
		close(waiter)
	}
	ss.waiters = nil
}

func (ss *sessionSet) remove(sess *session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for i := 0; i < len(ss.sessions); i++ {
		if ss.sessions[i] == sess {
			ss.sessions = append(ss.sessions[:i], ss.sessions[i+1:]...)
		}
	}
}

func (ss *sessionSet) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

func (ss *sessionSet) snapshot() []*session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]*session(nil), ss.sessions...)
}

// broadcast delivers frame to every live session. If there are none it
// blocks until one arrives, then delivers to that one.
func (ss *sessionSet) broadcast(frame []byte) error {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return errors.New("server stopped")
	}

	if len(ss.sessions) == 0 {
		ch := make(chan *session)
		ss.waiters = append(ss.waiters, ch)
		ss.mu.Unlock()
		sess := <-ch
		if sess == nil {
			return errors.New("server stopped")
		}
		sess.send(frame)
		return nil
	}

	targets := append([]*session(nil), ss.sessions...)
	ss.mu.Unlock()
	for _, sess := range targets {
		sess.send(frame)
	}
	return nil
}

// close severs every session and wakes blocked broadcasts with an error.
func (ss *sessionSet) close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
	for _, waiter := range ss.waiters {
		waiter <- nil
		close(waiter)
	}
	ss.waiters = nil
	for _, sess := range ss.sessions {
		sess.kill()
	}
}

func (ss *sessionSet) reopen() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = false
}
