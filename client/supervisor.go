package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/machinate/comfyui-go/comfy"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// frameConn is the slice of *websocket.Conn the reader needs. Tests
// substitute scripted connections.
type frameConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc opens a fresh connection to the event socket.
type dialFunc func(ctx context.Context) (frameConn, error)

// streamReader owns the socket and the producing side of the event
// channel. A single goroutine runs it, which is what guarantees delivery
// order.
type streamReader struct {
	log    *zap.SugaredLogger
	conn   frameConn
	dial   dialFunc
	ctx    context.Context
	items  chan<- StreamItem
	pacing backoff.BackOff

	reconnect bool
}

func (r *streamReader) run() {
	defer close(r.items)
	defer r.closeConn()
	for {
		err := r.readFrames()
		r.closeConn()
		if err == nil {
			return
		}
		if !r.reconnect {
			r.push(StreamItem{Err: fmt.Errorf("receiving event: %w", err)})
			return
		}
		if !r.push(StreamItem{Event: &comfy.ReceiveFailed{Err: err}}) {
			return
		}
		if !r.redial() {
			return
		}
		if !r.push(StreamItem{Event: &comfy.Reconnected{}}) {
			return
		}
	}
}

// readFrames reads until the connection fails, the service completes a
// close handshake, or the stream is closed. It returns non-nil only for
// failures that are candidates for reconnection.
func (r *streamReader) readFrames() error {
	for {
		typ, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return nil
			}
			if code := websocket.CloseStatus(err); code != -1 {
				r.log.Debugw("service closed the connection", "Code", code)
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			// binary frames carry preview images, which this client
			// does not consume
			r.log.Debugw("skipping non-text frame", "Bytes", len(data))
			continue
		}
		ev, err := comfy.DecodeFrame(data)
		if err != nil {
			if !r.push(StreamItem{Err: fmt.Errorf("decoding frame: %w", err)}) {
				return nil
			}
			continue
		}
		r.log.Debugw("received event", "Kind", ev.Kind())
		if !r.push(StreamItem{Event: ev}) {
			return nil
		}
	}
}

// redial attempts to reestablish the connection, pacing attempts with the
// stream's backoff strategy and reporting each failure as a
// ReconnectFailed event. It returns false once the stream should end.
func (r *streamReader) redial() bool {
	r.pacing.Reset()
	for {
		wait := r.pacing.NextBackOff()
		if wait == backoff.Stop {
			r.push(StreamItem{Err: errors.New("reconnecting: backoff strategy gave up")})
			return false
		}
		select {
		case <-r.ctx.Done():
			return false
		case <-time.After(wait):
		}

		conn, err := r.dial(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return false
			}
			r.log.Debugf("reconnect attempt failed: %s", err)
			if !r.push(StreamItem{Event: &comfy.ReconnectFailed{Err: err}}) {
				return false
			}
			continue
		}
		r.log.Debug("reconnected to event socket")
		r.conn = conn
		return true
	}
}

// push delivers one item, blocking while the channel is full. It returns
// false if the stream was closed before the item could be delivered.
func (r *streamReader) push(item StreamItem) bool {
	select {
	case r.items <- item:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *streamReader) closeConn() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		r.log.Debugf("error closing conn: %s", err)
	}
	r.conn = nil
}
