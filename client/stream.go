package client

import (
	"context"
	"sync"

	"github.com/machinate/comfyui-go/comfy"
)

// StreamItem is one delivery from the event stream: a decoded event, or the
// error that took its place. Err is set for frames that failed to decode
// and, when reconnection is disabled, for the receive failure that ended
// the stream.
type StreamItem struct {
	Event comfy.Event
	Err   error
}

// EventStream delivers service notifications and connection lifecycle
// events in production order. It is backed by a bounded channel; when the
// consumer falls behind, the socket reader blocks rather than dropping
// events.
//
// The consumer owns the stream's lifetime. Close it when done, or the
// reader goroutine and connection stay alive for the life of the process.
type EventStream struct {
	items <-chan StreamItem

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Next blocks until the next item is available and returns its event or
// error. Once the stream has delivered its last item, Next returns
// ErrStreamClosed. If ctx ends first, Next returns ctx.Err() and no item
// is consumed.
func (s *EventStream) Next(ctx context.Context) (comfy.Event, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return nil, ErrStreamClosed
		}
		return item.Event, item.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the socket reader and abandons the connection, unblocking a
// reader that is mid-read or waiting on a full channel. Items already
// buffered remain readable through Next until ErrStreamClosed. Close is
// idempotent and safe to call concurrently with Next.
func (s *EventStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
