package comfy

import "encoding/json"

// FileInfo locates a file in the service's storage. Type is the storage
// area, usually "input", "output" or "temp".
type FileInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UnmarshalJSON accepts "name" as an alias for "filename". The upload
// endpoint answers with "name" while notifications use "filename".
func (f *FileInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		Filename  string `json:"filename"`
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Filename = raw.Filename
	if f.Filename == "" {
		f.Filename = raw.Name
	}
	f.Subfolder = raw.Subfolder
	f.Type = raw.Type
	return nil
}

// PromptStatus is the service's answer to queueing a prompt. Number is the
// position assigned in the execution queue. NodeErrors holds per-node
// validation errors keyed by node id; it is empty for accepted prompts.
type PromptStatus struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// History is the stored result of one executed prompt: the outputs of each
// node that produced any, keyed by node id.
type History struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// NodeOutput is a node's stored output in the history.
type NodeOutput struct {
	Images []FileInfo `json:"images"`
}

// PromptInfo is the queue snapshot returned by the prompt endpoint.
type PromptInfo struct {
	ExecInfo ExecInfo `json:"exec_info"`
}

// ExecInfo reports how many prompts are waiting in the execution queue.
type ExecInfo struct {
	QueueRemaining int `json:"queue_remaining"`
}
