// Package testserver runs an in-process dispatch backend: the login,
// refresh and logout endpoints, one protected API route and the
// notification WebSocket. Tests drive failures through its methods.
package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/types"
)

// Accepted sign-in.
const (
	Username = "dispatcher"
	Password = "secret"
)

// Paths served.
const (
	LoginPath    = "/api/auth/login"
	RefreshPath  = "/api/auth/refresh"
	LogoutPath   = "/api/auth/logout"
	VehiclesPath = "/api/vehicles"
	SocketPath   = "/ws"
)

// Stats counts requests by endpoint.
type Stats struct {
	Logins             int64
	Refreshes          int64
	FailedRefreshes    int64
	Logouts            int64
	Handshakes         int64
	RejectedHandshakes int64
}

// Server is a running fake backend.
type Server struct {
	srv      *httptest.Server
	hub      *Hub
	upgrader websocket.Upgrader
	log      logger.Logger
	cancel   context.CancelFunc

	mu           sync.Mutex
	access       string
	refresh      string
	issued       int
	failRefresh  bool
	rejectDials  bool
	rejectTopics map[string]string

	logins             atomic.Int64
	refreshes          atomic.Int64
	failedRefreshes    atomic.Int64
	logouts            atomic.Int64
	handshakes         atomic.Int64
	rejectedHandshakes atomic.Int64
}

// New starts a server. Close it when done.
func New(log logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		hub:          NewHub(log),
		log:          log,
		cancel:       cancel,
		rejectTopics: make(map[string]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	_ = s.hub.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, s.handleLogin)
	mux.HandleFunc(RefreshPath, s.handleRefresh)
	mux.HandleFunc(LogoutPath, s.handleLogout)
	mux.HandleFunc(VehiclesPath, s.handleVehicles)
	mux.HandleFunc(SocketPath, s.handleSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL is the HTTP base URL.
func (s *Server) URL() string { return s.srv.URL }

// WebSocketURL is the notification endpoint URL.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + SocketPath
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	for _, p := range s.hub.Peers() {
		p.drop()
	}
	s.srv.CloseClientConnections()
	s.srv.Close()
	_ = s.hub.Stop()
	s.cancel()
}

// AccessToken returns the only access token currently accepted.
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

// Expire revokes the current access token. The refresh token stays valid.
func (s *Server) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = ""
}

// FailRefresh makes the refresh endpoint reject every request.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// RejectHandshakes answers every WebSocket handshake with 401, even one
// carrying the current access token.
func (s *Server) RejectHandshakes(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectDials = reject
}

// RejectTopic answers subscriptions to topic with an error frame
// carrying code. An empty code lifts the rejection.
func (s *Server) RejectTopic(topic, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		delete(s.rejectTopics, topic)
		return
	}
	s.rejectTopics[topic] = code
}

// Publish delivers payload to every subscription on topic.
func (s *Server) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.hub.Publish(topic, data)
}

// SendError sends an error frame to every connection.
func (s *Server) SendError(code, message string) {
	for _, p := range s.hub.Peers() {
		p.send(&types.Frame{Type: types.FrameTypeError, Code: code, Message: message})
	}
}

// DropConnections cuts every connection without a close handshake.
func (s *Server) DropConnections() {
	for _, p := range s.hub.Peers() {
		p.drop()
	}
}

// RevokeConnections closes every connection with close code 4401.
func (s *Server) RevokeConnections() {
	for _, p := range s.hub.Peers() {
		p.closeWith(4401, "credential revoked")
	}
}

// Subscribers counts live subscriptions on topic.
func (s *Server) Subscribers(topic string) int { return s.hub.Subscribers(topic) }

// Connections counts live WebSocket connections.
func (s *Server) Connections() int { return len(s.hub.Peers()) }

// Stats returns request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Logins:             s.logins.Load(),
		Refreshes:          s.refreshes.Load(),
		FailedRefreshes:    s.failedRefreshes.Load(),
		Logouts:            s.logouts.Load(),
		Handshakes:         s.handshakes.Load(),
		RejectedHandshakes: s.rejectedHandshakes.Load(),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username != Username || req.Password != Password {
		sendError(w, http.StatusUnauthorized, "bad credentials")
		return
	}

	s.logins.Inc()
	s.mu.Lock()
	s.issued++
	s.access = fmt.Sprintf("access-%d", s.issued)
	s.refresh = fmt.Sprintf("refresh-%d", s.issued)
	resp := tokenResponse{AccessToken: s.access, RefreshToken: s.refresh, ExpiresIn: 300}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	s.mu.Lock()
	if s.failRefresh || req.RefreshToken == "" || req.RefreshToken != s.refresh {
		s.mu.Unlock()
		s.failedRefreshes.Inc()
		sendError(w, http.StatusUnauthorized, "refresh token rejected")
		return
	}
	s.issued++
	s.access = fmt.Sprintf("access-%d", s.issued)
	resp := tokenResponse{AccessToken: s.access, ExpiresIn: 300}
	s.mu.Unlock()

	s.refreshes.Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logouts.Inc()
	s.mu.Lock()
	if s.authorized(r) {
		s.access = ""
		s.refresh = ""
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.authorized(r)
	s.mu.Unlock()
	if !ok {
		sendError(w, http.StatusUnauthorized, "token expired")
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{
		{"id": "unit-7", "status": "available"},
		{"id": "unit-12", "status": "en_route"},
	})
}

// authorized reports whether r carries the current access token. s.mu
// must be held.
func (s *Server) authorized(r *http.Request) bool {
	return s.access != "" && r.Header.Get("Authorization") == "Bearer "+s.access
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.authorized(r) && !s.rejectDials
	s.mu.Unlock()
	if !ok {
		s.rejectedHandshakes.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("Upgrade failed: %v", err)
		return
	}
	s.handshakes.Inc()

	p := newPeer(conn)
	if err := s.hub.add(p); err != nil {
		p.drop()
		return
	}
	defer func() {
		_ = s.hub.remove(p)
		p.drop()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.send(&types.Frame{Type: types.FrameTypeError, Code: "bad_frame", Message: err.Error()})
			continue
		}
		s.handleFrame(p, &frame)
	}
}

func (s *Server) handleFrame(p *peer, frame *types.Frame) {
	switch frame.Type {
	case types.FrameTypeSubscribe:
		s.mu.Lock()
		code, rejected := s.rejectTopics[frame.Topic]
		s.mu.Unlock()
		if rejected {
			p.send(&types.Frame{
				Type:         types.FrameTypeError,
				Code:         code,
				Message:      "subscription to " + frame.Topic + " refused",
				Subscription: frame.ID,
			})
			return
		}
		_ = s.hub.subscribe(p, frame.ID, frame.Topic)
	case types.FrameTypeUnsubscribe:
		_ = s.hub.unsubscribe(p, frame.ID)
	case types.FrameTypePublish:
		_ = s.hub.Publish(frame.Topic, frame.Payload)
	default:
		p.send(&types.Frame{Type: types.FrameTypeError, Code: "unknown_type", Message: frame.Type})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}
