package comfy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// frame is the wire envelope of a service notification.
type frame struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// statusFrame additionally carries the session id, which the service puts
// beside "data" rather than inside it. It serializes "sid" even when null.
type statusFrame struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
	SID  *string         `json:"sid"`
}

// DecodeFrame decodes one text frame from the service socket into an Event.
//
// A frame that is not valid JSON is an error. Everything else decodes: a
// recognized "type" with a matching payload yields the typed event, and any
// other shape (unrecognized type, missing type, payload mismatch, non-object
// frame) yields *Unknown holding a copy of the original bytes.
func DecodeFrame(data []byte) (Event, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}

	var env statusFrame
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return unknown(data), nil
	}
	// Unmarshal treats a null payload as a no-op, which would produce a
	// zero-valued event instead of falling back.
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return unknown(data), nil
	}

	var ev Event
	switch env.Type {
	case KindStatus:
		ev = &Status{SID: env.SID}
	case KindProgress:
		ev = &Progress{}
	case KindExecuting:
		ev = &Executing{}
	case KindExecuted:
		ev = &Executed{}
	case KindExecutionStart:
		ev = &ExecutionStart{}
	case KindExecutionCached:
		ev = &ExecutionCached{}
	case KindExecutionError:
		ev = &ExecutionError{}
	case KindExecutionInterrupted:
		ev = &ExecutionInterrupted{}
	case KindExecutionSuccess:
		ev = &ExecutionSuccess{}
	default:
		return unknown(data), nil
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return unknown(data), nil
	}
	return ev, nil
}

// EncodeFrame is the inverse of DecodeFrame for service notifications. An
// *Unknown encodes back to its original bytes. Connection lifecycle events
// have no wire form and return an error.
func EncodeFrame(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case *Unknown:
		if len(e.Raw) == 0 {
			return nil, errors.New("unknown event carries no frame")
		}
		return append([]byte(nil), e.Raw...), nil
	case *Reconnected, *ReconnectFailed, *ReceiveFailed:
		return nil, fmt.Errorf("%s is a connection event, not a wire frame", ev.Kind())
	case *Status:
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		return json.Marshal(statusFrame{Type: KindStatus, Data: data, SID: e.SID})
	default:
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		return json.Marshal(frame{Type: ev.Kind(), Data: data})
	}
}

func unknown(data []byte) *Unknown {
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Unknown{Raw: raw}
}
