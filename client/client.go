// Package client is a client for the ComfyUI HTTP and WebSocket APIs. It
// queues prompts, uploads inputs and fetches artifacts over HTTP, and
// delivers the service's execution notifications as an ordered event
// stream that survives connection losses.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/machinate/comfyui-go/comfy"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit caps incoming frame size. Execution errors carry full Python
// tracebacks and custom nodes ship arbitrary payloads, so this is sized
// well above stock service traffic.
const readLimit = 1 << 20

// Client talks to one ComfyUI service. Create it with New or Dial.
//
// A Client carries a correlation id, sent as the clientId query parameter
// on the socket handshake and as client_id with queued prompts. The
// service uses it to route a prompt's notifications to this client's
// socket.
type Client struct {
	Logger *zap.SugaredLogger

	// HTTPClient performs prompt submission, uploads and the WebSocket
	// handshake. RetryHTTPClient wraps the same transport with retries and
	// performs only idempotent reads; prompt submission is never retried.
	HTTPClient      *http.Client
	RetryHTTPClient *http.Client

	baseURL  *url.URL
	clientID string

	channelCap int
	reconnect  bool
	newBackoff func() backoff.BackOff

	customizeRetryableClient func(*retryablehttp.Client)
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// New builds a client for the service at baseURL, which is the HTTP
// address the service serves on, for example "http://127.0.0.1:8188". New
// performs no network traffic.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	c := &Client{
		Logger:     zap.NewNop().Sugar(),
		HTTPClient: &http.Client{},
		baseURL:    u,
		clientID:   uuid.NewString(),
		channelCap: DefaultChannelCapacity,
		reconnect:  true,
		newBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(DefaultReconnectInterval)
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = c.HTTPClient
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.RetryHTTPClient = retryClient.StandardClient()

	return c, nil
}

// Dial builds a client and opens its event stream. ctx governs only the
// WebSocket handshake; the stream itself lives until closed.
func Dial(ctx context.Context, baseURL string, opts ...Option) (*Client, *EventStream, error) {
	c, err := New(baseURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.DialEvents(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, stream, nil
}

// ClientID returns the correlation id this client presents to the service.
func (c *Client) ClientID() string {
	return c.clientID
}

// DialEvents connects to the event socket and starts the reader. The first
// connect happens synchronously: if it fails, no stream is created and the
// error is returned. Afterwards the stream reconnects on its own (unless
// disabled), reporting connection losses as events.
func (c *Client) DialEvents(ctx context.Context) (*EventStream, error) {
	wsURL, err := websocketURL(c.baseURL, c.clientID)
	if err != nil {
		return nil, err
	}

	dial := func(ctx context.Context) (frameConn, error) {
		c.Logger.Debugw("dialing event socket", "URL", wsURL)
		wsConn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPClient:      c.HTTPClient,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			return nil, fmt.Errorf("dialing event socket: %w", err)
		}
		wsConn.SetReadLimit(readLimit)
		return wsConn, nil
	}

	return c.openStream(ctx, dial)
}

// openStream performs the initial dial and starts the reader goroutine.
// Reconnection reuses dial under the stream's own context, so the stream
// outlives the ctx given to DialEvents.
func (c *Client) openStream(ctx context.Context, dial dialFunc) (*EventStream, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	items := make(chan StreamItem, c.channelCap)
	reader := &streamReader{
		log:       c.Logger.Named("event_reader"),
		conn:      conn,
		dial:      dial,
		ctx:       runCtx,
		items:     items,
		pacing:    c.newBackoff(),
		reconnect: c.reconnect,
	}
	go reader.run()

	return &EventStream{items: items, cancel: cancel}, nil
}

type queuePromptRequest struct {
	ClientID string          `json:"client_id"`
	Prompt   json.RawMessage `json:"prompt"`
}

// QueuePrompt submits a workflow for execution and returns the prompt id
// and queue position the service assigned. The workflow bytes are
// forwarded verbatim; the client never interprets them. Submission is not
// retried.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage) (*comfy.PromptStatus, error) {
	body, err := json.Marshal(queuePromptRequest{ClientID: c.clientID, Prompt: workflow})
	if err != nil {
		return nil, fmt.Errorf("encoding prompt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("prompt"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queueing prompt: %w", err)
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var status comfy.PromptStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding prompt response: %w", err)
	}
	return &status, nil
}

// GetHistory fetches the stored result of an executed prompt. It returns
// (nil, nil) if the service has no history for promptID, which is how the
// service answers for prompts that are unknown or still executing.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*comfy.History, error) {
	resp, err := c.get(ctx, c.apiURL("history", promptID))
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	// the service answers with a map keyed by prompt id, empty when the
	// prompt is unknown
	var histories map[string]comfy.History
	if err := json.NewDecoder(resp.Body).Decode(&histories); err != nil {
		return nil, fmt.Errorf("decoding history response: %w", err)
	}
	history, ok := histories[promptID]
	if !ok {
		return nil, nil
	}
	return &history, nil
}

// GetPromptInfo reports the current depth of the execution queue.
func (c *Client) GetPromptInfo(ctx context.Context) (*comfy.PromptInfo, error) {
	resp, err := c.get(ctx, c.apiURL("prompt"))
	if err != nil {
		return nil, fmt.Errorf("fetching prompt info: %w", err)
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var info comfy.PromptInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding prompt info response: %w", err)
	}
	return &info, nil
}

// GetView downloads a file from the service's storage, typically an image
// referenced by an Executed event or a History entry.
func (c *Client) GetView(ctx context.Context, info comfy.FileInfo) ([]byte, error) {
	u := c.baseURL.JoinPath("view")
	q := url.Values{}
	q.Set("filename", info.Filename)
	q.Set("subfolder", info.Subfolder)
	q.Set("type", info.Type)
	u.RawQuery = q.Encode()

	resp, err := c.get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetching view: %w", err)
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading view body: %w", err)
	}
	return b, nil
}

// UploadImage stores contents as an input image on the service. info names
// the destination; Subfolder and Type may be empty for the service's
// defaults. The returned FileInfo is the location the service actually
// chose, which differs from the requested one when overwrite is false and
// the name was taken.
func (c *Client) UploadImage(ctx context.Context, contents io.Reader, info comfy.FileInfo, overwrite bool) (*comfy.FileInfo, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("image", info.Filename)
	if err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}
	if _, err := io.Copy(part, contents); err != nil {
		return nil, fmt.Errorf("copying file contents: %w", err)
	}
	if err := form.WriteField("overwrite", strconv.FormatBool(overwrite)); err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}
	if err := form.WriteField("type", info.Type); err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}
	if info.Subfolder != "" {
		if err := form.WriteField("subfolder", info.Subfolder); err != nil {
			return nil, fmt.Errorf("building multipart form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("building multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("upload", "image"), &buf)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading image: %w", err)
	}
	defer resp.Body.Close()
	if err := responseError(resp); err != nil {
		return nil, err
	}

	var stored comfy.FileInfo
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &stored, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.RetryHTTPClient.Do(req)
}

func (c *Client) apiURL(parts ...string) string {
	return c.baseURL.JoinPath(parts...).String()
}
