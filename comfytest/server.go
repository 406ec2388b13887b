// Package comfytest runs an in-process stand-in for a ComfyUI service. It
// serves the HTTP endpoints a client uses (queue, history, view, upload)
// and an event WebSocket whose traffic the caller scripts, so client
// behavior can be exercised against real sockets without a GPU in sight.
//
// The server binds a stable loopback address chosen at construction. Stop
// and Start may be called repeatedly on the same address, which is how
// tests take the service away from a client and bring it back.
package comfytest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/machinate/comfyui-go/comfy"
	internalnet "github.com/machinate/comfyui-go/internal/net"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// QueuedPrompt records one accepted prompt submission.
type QueuedPrompt struct {
	PromptID string
	ClientID string
	Number   int
	Workflow json.RawMessage
}

// Upload records one stored image upload. The bytes live in the view store
// under Info.
type Upload struct {
	Info      comfy.FileInfo
	Overwrite bool
}

type viewKey struct {
	filename  string
	subfolder string
	typ       string
}

type promptFailure struct {
	status int
	body   string
}

// Server is the mock service.
type Server struct {
	Log *zap.SugaredLogger

	addr     string
	sessions *sessionSet

	mu             sync.Mutex
	httpServer     *http.Server
	running        bool
	promptSeq      int
	queued         []QueuedPrompt
	uploads        []Upload
	histories      map[string]comfy.History
	views          map[viewKey][]byte
	queueRemaining int
	onPrompt       func(QueuedPrompt) []comfy.Event
	failPrompt     *promptFailure
}

// Option configures a Server.
type Option func(s *Server)

// WithListenAddr pins the listen address instead of picking an ephemeral
// loopback port.
func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger routes the server's logging to l.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.Log = l.Named("comfytest").Sugar()
	}
}

// New builds a stopped server. Call Start to begin serving.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		Log:       logger.Named("comfytest").Sugar(),
		sessions:  newSessionSet(),
		histories: map[string]comfy.History{},
		views:     map[viewKey][]byte{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		addr, err := internalnet.GetEphemeralTCPAddr()
		if err != nil {
			return nil, err
		}
		s.addr = addr
	}
	return s, nil
}

// URL returns the HTTP base URL clients should use.
func (s *Server) URL() string {
	return "http://" + s.addr
}

// Start binds the server's address and serves in the background. It
// returns once the listener is accepting, so a client may dial
// immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	tcpListener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/ws", s.eventsWS)
	router.POST("/prompt", s.queuePrompt)
	router.GET("/prompt", s.promptInfo)
	router.GET("/history/:promptID", s.history)
	router.GET("/view", s.view)
	router.POST("/upload/image", s.uploadImage)

	server := &http.Server{Handler: router}
	s.httpServer = server
	s.running = true
	s.sessions.reopen()

	go func() {
		err := server.Serve(tcpListener)
		if !errors.Is(err, http.ErrServerClosed) {
			s.Log.Debugf("serve error: %s", err)
		}
	}()

	s.Log.Debugw("serving", "Addr", s.addr)
	return nil
}

// Stop closes the listener and severs every connection, WebSocket sessions
// included, without close handshakes. Clients observe a connection loss.
// The server can be started again on the same address.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.sessions.close()
	return s.httpServer.Close()
}

// Emit encodes ev and delivers it to every connected client. With no
// client connected it blocks until one arrives, so scripted events are not
// lost while a client is still connecting or mid-reconnect.
func (s *Server) Emit(ev comfy.Event) error {
	frame, err := comfy.EncodeFrame(ev)
	if err != nil {
		return err
	}
	return s.sessions.broadcast(frame)
}

// EmitRaw delivers a frame verbatim, for traffic outside the typed model,
// like custom-node notifications or deliberately malformed frames.
func (s *Server) EmitRaw(frame []byte) error {
	return s.sessions.broadcast(frame)
}

// CloseClients completes a close handshake with every connected client,
// the way the service ends sessions on an orderly shutdown. Clients treat
// it as a clean end of stream rather than a connection loss.
func (s *Server) CloseClients() {
	for _, sess := range s.sessions.snapshot() {
		if err := sess.conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil {
			s.Log.Debugf("closing session: %s", err)
		}
	}
}

// DropClients severs every WebSocket session without a close handshake.
// Clients observe a connection loss while the HTTP side keeps serving.
func (s *Server) DropClients() {
	for _, sess := range s.sessions.snapshot() {
		sess.kill()
	}
}

// Sessions reports the number of connected WebSocket clients.
func (s *Server) Sessions() int {
	return s.sessions.count()
}

// SetPromptHandler scripts the service's reaction to queued prompts: the
// returned events are delivered to clients, in order, after the prompt is
// accepted.
func (s *Server) SetPromptHandler(f func(QueuedPrompt) []comfy.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPrompt = f
}

// FailNextPrompt makes the next prompt submission answer with the given
// status and body instead of queueing.
func (s *Server) FailNextPrompt(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPrompt = &promptFailure{status: status, body: body}
}

// SetQueueRemaining sets the queue depth reported by status events and the
// prompt info endpoint.
func (s *Server) SetQueueRemaining(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueRemaining = n
}

// SetHistory stores the history returned for promptID.
func (s *Server) SetHistory(promptID string, h comfy.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[promptID] = h
}

// PutView stores bytes retrievable through the view endpoint.
func (s *Server) PutView(info comfy.FileInfo, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[viewKey{info.Filename, info.Subfolder, info.Type}] = append([]byte(nil), data...)
}

// View returns the stored bytes for info, if any.
func (s *Server) View(info comfy.FileInfo) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.views[viewKey{info.Filename, info.Subfolder, info.Type}]
	return data, ok
}

// QueuedPrompts returns the prompt submissions accepted so far.
func (s *Server) QueuedPrompts() []QueuedPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QueuedPrompt(nil), s.queued...)
}

// Uploads returns the image uploads stored so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// hijackRecorder keeps a handle on the TCP connection the WebSocket
// upgrade hijacks, so sessions can later be severed without a handshake.
type hijackRecorder struct {
	http.ResponseWriter
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := h.ResponseWriter.(http.Hijacker).Hijack()
	h.conn = conn
	return conn, rw, err
}

func (s *Server) eventsWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	clientID := r.URL.Query().Get("clientId")

	rec := &hijackRecorder{ResponseWriter: w}
	wsConn, err := websocket.Accept(rec, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("events WebSocket accept error: %s", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		id:     clientID,
		conn:   wsConn,
		raw:    rec.conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, 16),
	}

	// the service greets every session with the current queue state
	s.mu.Lock()
	status := &comfy.Status{Info: comfy.StatusInfo{ExecInfo: comfy.ExecInfo{QueueRemaining: s.queueRemaining}}}
	s.mu.Unlock()
	if frame, err := comfy.EncodeFrame(status); err == nil {
		sess.out <- frame
	}

	s.sessions.add(sess)
	s.Log.Debugw("client connected", "ClientID", clientID)

	go sess.writePump(s.Log)

	// drain incoming frames to notice disconnects; the service ignores
	// client traffic on this socket
	for {
		if _, _, err := wsConn.Read(ctx); err != nil {
			break
		}
	}
	s.sessions.remove(sess)
	cancel()
	s.Log.Debugw("client disconnected", "ClientID", clientID)
}

func (s *Server) queuePrompt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		ClientID string          `json:"client_id"`
		Prompt   json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Prompt) == 0 {
		http.Error(w, "request contained no prompt", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if f := s.failPrompt; f != nil {
		s.failPrompt = nil
		s.mu.Unlock()
		w.WriteHeader(f.status)
		io.WriteString(w, f.body)
		return
	}
	s.promptSeq++
	queued := QueuedPrompt{
		PromptID: uuid.NewString(),
		ClientID: req.ClientID,
		Number:   s.promptSeq,
		Workflow: req.Prompt,
	}
	s.queued = append(s.queued, queued)
	handler := s.onPrompt
	s.mu.Unlock()

	if handler != nil {
		go func() {
			for _, ev := range handler(queued) {
				if err := s.Emit(ev); err != nil {
					s.Log.Debugf("emitting scripted event: %s", err)
					return
				}
			}
		}()
	}

	s.writeJSON(w, comfy.PromptStatus{
		PromptID:   queued.PromptID,
		Number:     queued.Number,
		NodeErrors: map[string]json.RawMessage{},
	})
}

func (s *Server) promptInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	n := s.queueRemaining
	s.mu.Unlock()
	s.writeJSON(w, comfy.PromptInfo{ExecInfo: comfy.ExecInfo{QueueRemaining: n}})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	promptID := params.ByName("promptID")
	s.mu.Lock()
	h, ok := s.histories[promptID]
	s.mu.Unlock()

	// the service answers with a map keyed by prompt id, empty for
	// prompts it knows nothing about
	resp := map[string]comfy.History{}
	if ok {
		resp[promptID] = h
	}
	s.writeJSON(w, resp)
}

func (s *Server) view(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	key := viewKey{q.Get("filename"), q.Get("subfolder"), q.Get("type")}

	s.mu.Lock()
	data, ok := s.views[key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}
	w.Write(data)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	overwrite, _ := strconv.ParseBool(r.FormValue("overwrite"))
	typ := r.FormValue("type")
	if typ == "" {
		typ = "input"
	}
	info := comfy.FileInfo{
		Filename:  header.Filename,
		Subfolder: r.FormValue("subfolder"),
		Type:      typ,
	}

	s.mu.Lock()
	info.Filename = s.storedName(info, overwrite)
	s.views[viewKey{info.Filename, info.Subfolder, info.Type}] = data
	s.uploads = append(s.uploads, Upload{Info: info, Overwrite: overwrite})
	s.mu.Unlock()

	// the service reports the stored location with "name", not "filename"
	s.writeJSON(w, struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}{info.Filename, info.Subfolder, info.Type})
}

// storedName picks the name an upload lands under. Without overwrite, a
// taken name gets a numbered suffix instead of clobbering the stored file.
// Callers must hold s.mu.
func (s *Server) storedName(info comfy.FileInfo, overwrite bool) string {
	if overwrite {
		return info.Filename
	}
	name := info.Filename
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, taken := s.views[viewKey{name, info.Subfolder, info.Type}]; !taken {
			return name
		}
		name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
