package comfy

import "encoding/json"

// EventKind discriminates the members of the Event union. For service
// notifications it is the wire value of the frame's "type" field.
type EventKind string

const (
	KindStatus               EventKind = "status"
	KindProgress             EventKind = "progress"
	KindExecuting            EventKind = "executing"
	KindExecuted             EventKind = "executed"
	KindExecutionStart       EventKind = "execution_start"
	KindExecutionCached      EventKind = "execution_cached"
	KindExecutionError       EventKind = "execution_error"
	KindExecutionInterrupted EventKind = "execution_interrupted"
	KindExecutionSuccess     EventKind = "execution_success"

	// KindUnknown marks frames that did not match any of the above.
	KindUnknown EventKind = "unknown"

	// Connection lifecycle kinds are synthesized client-side and never
	// appear on the wire.
	KindReconnected     EventKind = "ws_reconnected"
	KindReconnectFailed EventKind = "ws_reconnect_failed"
	KindReceiveFailed   EventKind = "ws_receive_failed"
)

// Event is one item on a client's event stream: either a service
// notification decoded from a WebSocket frame or a connection lifecycle
// signal. The union is closed; unrecognized service traffic is represented
// by Unknown rather than by new implementations.
type Event interface {
	Kind() EventKind
	event()
}

// Status reports the service's queue state. The service sends one when the
// socket opens and again whenever the queue changes.
type Status struct {
	Info StatusInfo `json:"status"`

	// SID is the session id the service assigns to the WebSocket session.
	// It rides on the frame envelope rather than the data payload and may
	// be null.
	SID *string `json:"-"`
}

// StatusInfo is the body of a Status notification.
type StatusInfo struct {
	ExecInfo ExecInfo `json:"exec_info"`
}

// Progress reports sampling or processing progress of the currently
// executing node, as Value out of Max steps.
type Progress struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// Executing announces the node the service is about to run. A nil Node
// means the prompt finished and nothing is executing.
type Executing struct {
	Node        *string `json:"node"`
	DisplayNode *string `json:"display_node"`
	PromptID    string  `json:"prompt_id"`
}

// Executed carries the output a node produced, typically references to
// generated images. Output is null for nodes without output.
type Executed struct {
	Node     string          `json:"node"`
	PromptID string          `json:"prompt_id"`
	Output   *ExecutedOutput `json:"output"`
}

// ExecutedOutput is a node's output object. Images holds the "images" key
// when present; every other key is preserved verbatim in Extra so that
// custom nodes' output survives a decode/encode round trip.
type ExecutedOutput struct {
	Images []FileInfo
	Extra  map[string]json.RawMessage
}

// ExecutionStart marks the beginning of a prompt's execution. Timestamp is
// milliseconds since the Unix epoch.
type ExecutionStart struct {
	PromptID  string `json:"prompt_id"`
	Timestamp uint64 `json:"timestamp"`
}

// ExecutionCached lists the nodes whose results were served from the
// service's cache instead of being executed.
type ExecutionCached struct {
	Nodes     []string `json:"nodes"`
	PromptID  string   `json:"prompt_id"`
	Timestamp uint64   `json:"timestamp"`
}

// ExecutionError reports a node failure, with the Python exception detail
// and the execution state at the time of the failure.
type ExecutionError struct {
	PromptID         string                     `json:"prompt_id"`
	NodeID           string                     `json:"node_id"`
	NodeType         string                     `json:"node_type"`
	Executed         []string                   `json:"executed"`
	ExceptionMessage string                     `json:"exception_message"`
	ExceptionType    string                     `json:"exception_type"`
	Traceback        []string                   `json:"traceback"`
	CurrentInputs    map[string]json.RawMessage `json:"current_inputs"`
	CurrentOutputs   map[string]json.RawMessage `json:"current_outputs"`
}

// ExecutionInterrupted reports that the user interrupted execution at the
// given node.
type ExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	NodeID   string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

// ExecutionSuccess marks the successful completion of a prompt.
type ExecutionSuccess struct {
	PromptID string `json:"prompt_id"`
}

// Unknown wraps a frame whose type is not part of this package's union or
// whose payload did not decode. Raw is the complete original frame.
type Unknown struct {
	Raw json.RawMessage
}

// RawType returns the frame's "type" value, or "" if the frame has none.
func (u *Unknown) RawType() string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(u.Raw, &env); err != nil {
		return ""
	}
	return env.Type
}

// Reconnected signals that the client reestablished the WebSocket after a
// connection loss.
type Reconnected struct{}

// ReconnectFailed signals one failed reconnection attempt. The client keeps
// retrying after emitting it.
type ReconnectFailed struct {
	Err error
}

// ReceiveFailed signals that reading from the WebSocket failed. If
// reconnection is enabled a reconnect cycle follows.
type ReceiveFailed struct {
	Err error
}

func (*Status) Kind() EventKind               { return KindStatus }
func (*Progress) Kind() EventKind             { return KindProgress }
func (*Executing) Kind() EventKind            { return KindExecuting }
func (*Executed) Kind() EventKind             { return KindExecuted }
func (*ExecutionStart) Kind() EventKind       { return KindExecutionStart }
func (*ExecutionCached) Kind() EventKind      { return KindExecutionCached }
func (*ExecutionError) Kind() EventKind       { return KindExecutionError }
func (*ExecutionInterrupted) Kind() EventKind { return KindExecutionInterrupted }
func (*ExecutionSuccess) Kind() EventKind     { return KindExecutionSuccess }
func (*Unknown) Kind() EventKind              { return KindUnknown }
func (*Reconnected) Kind() EventKind          { return KindReconnected }
func (*ReconnectFailed) Kind() EventKind      { return KindReconnectFailed }
func (*ReceiveFailed) Kind() EventKind        { return KindReceiveFailed }

func (*Status) event()               {}
func (*Progress) event()             {}
func (*Executing) event()            {}
func (*Executed) event()             {}
func (*ExecutionStart) event()       {}
func (*ExecutionCached) event()      {}
func (*ExecutionError) event()       {}
func (*ExecutionInterrupted) event() {}
func (*ExecutionSuccess) event()     {}
func (*Unknown) event()              {}
func (*Reconnected) event()          {}
func (*ReconnectFailed) event()      {}
func (*ReceiveFailed) event()        {}

// MarshalJSON writes the output object with Extra keys inlined beside
// "images".
func (o ExecutedOutput) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(o.Extra)+1)
	for k, v := range o.Extra {
		m[k] = v
	}
	if o.Images != nil {
		images, err := json.Marshal(o.Images)
		if err != nil {
			return nil, err
		}
		m["images"] = images
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits the output object into Images and Extra. A null
// "images" value stays in Extra untouched.
func (o *ExecutedOutput) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.Images = nil
	if raw, ok := m["images"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &o.Images); err != nil {
			return err
		}
		delete(m, "images")
	}
	o.Extra = m
	return nil
}
