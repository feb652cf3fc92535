package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/remeh/sizedwaitgroup"

	banext "github.com/hawthorne-abendsen/centaurus-ban-extension"
)

const (
	msgHello   = "hello"
	msgWelcome = "welcome"
	msgPing    = "ping"
	msgPong    = "pong"
	msgError   = "error"

	handlerSlotWait = 2 * time.Second
	closeWriteWait  = time.Second
)

var (
	errHelloRequired  = errors.New("hello required before other messages")
	errInvalidToken   = errors.New("invalid hello token")
	errUnknownMessage = errors.New("unknown message type")
)

// envelope is every frame exchanged on /ws.
type envelope struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

type banView struct {
	Source    string    `json:"source"`
	BanCount  int       `json:"ban_count"`
	BannedAt  time.Time `json:"banned_at"`
	Till      time.Time `json:"till"`
	Active    bool      `json:"active"`
	Remaining string    `json:"remaining"`
}

type banListResponse struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Active      int       `json:"active"`
	Bans        []banView `json:"bans"`
}

type server struct {
	gate         *banext.AdmissionGate
	registry     *banext.BanRegistry
	gatherer     prometheus.Gatherer
	jwtSecret    []byte
	helloTimeout time.Duration
	readTimeout  time.Duration
	handlers     sizedwaitgroup.SizedWaitGroup
	throttle     *upgradeThrottle
	upgrader     websocket.Upgrader
	now          func() time.Time
}

func newServer(gate *banext.AdmissionGate, gatherer prometheus.Gatherer, cfg serverConfig) *server {
	return &server{
		gate:         gate,
		registry:     gate.Registry(),
		gatherer:     gatherer,
		jwtSecret:    []byte(cfg.JWTSecret),
		helloTimeout: cfg.HelloTimeout,
		readTimeout:  cfg.ReadTimeout,
		handlers:     sizedwaitgroup.New(cfg.MaxConns),
		throttle:     newUpgradeThrottle(cfg.UpgradeRate, cfg.UpgradeBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/bans", s.handleBans)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// drain waits for live connection handlers, up to timeout.
func (s *server) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	slotCtx, cancel := context.WithTimeout(r.Context(), handlerSlotWait)
	err := s.handlers.AddWithContext(slotCtx)
	cancel()
	if err != nil {
		logger.Warn("rejecting connection: at capacity",
			"component", "ws", "kind", "capacity",
			"remote", r.RemoteAddr,
		)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.handlers.Done()

	if !s.throttle.wait(r.Context()) {
		return
	}
	decision := s.gate.BeforeAccept(r.RemoteAddr)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "component", "ws", "kind", "upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	if !decision.Admit {
		closeWithDecision(ws, decision)
		return
	}

	conn := banext.NewConnection(r.RemoteAddr)
	defer s.gate.ConnectionClosed(conn)
	s.serveConnection(ws, conn)
}

func (s *server) serveConnection(ws *websocket.Conn, conn *banext.Connection) {
	validated := false
	for {
		timeout := s.readTimeout
		if !validated {
			timeout = s.helloTimeout
		}
		_ = ws.SetReadDeadline(s.now().Add(timeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "component", "ws", "kind", "read", "connection", conn.ID, "error", err)
			}
			return
		}

		var msg envelope
		if err := sonic.Unmarshal(data, &msg); err != nil {
			if !s.fail(ws, conn, fmt.Errorf("decode frame: %w", err)) {
				return
			}
			continue
		}

		switch {
		case msg.Type == msgHello && !validated:
			identity, err := s.identityFromToken(msg.Token)
			if err != nil {
				if !s.fail(ws, conn, err) {
					return
				}
				continue
			}
			conn.Identity = identity
			if d := s.gate.ConnectionValidated(conn); !d.Admit {
				closeWithDecision(ws, d)
				return
			}
			validated = true
			if err := writeEnvelope(ws, envelope{Type: msgWelcome}); err != nil {
				return
			}
		case !validated:
			if !s.fail(ws, conn, errHelloRequired) {
				return
			}
		case msg.Type == msgPing:
			if err := writeEnvelope(ws, envelope{Type: msgPong}); err != nil {
				return
			}
		default:
			if !s.fail(ws, conn, fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)) {
				return
			}
		}
	}
}

// fail reports a message failure to the gate and the client. It returns false
// when the connection has been closed.
func (s *server) fail(ws *websocket.Conn, conn *banext.Connection, failure error) bool {
	if d := s.gate.HandleMessageFailed(conn, failure); !d.Admit {
		closeWithDecision(ws, d)
		return false
	}
	return writeEnvelope(ws, envelope{Type: msgError, Error: failure.Error()}) == nil
}

// identityFromToken validates an HS256 hello token and returns its subject.
func (s *server) identityFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(s.jwtSecret) == 0 {
		return "", errInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing sub", errInvalidToken)
	}
	return claims.Subject, nil
}

func writeEnvelope(ws *websocket.Conn, msg envelope) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(closeWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func closeWithDecision(ws *websocket.Conn, d banext.Decision) {
	frame := websocket.FormatCloseMessage(d.CloseCode, string(d.Reason))
	_ = ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeWriteWait))
}

func (s *server) handleBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := s.now()
	records := s.registry.Snapshot()
	resp := banListResponse{
		GeneratedAt: now.UTC(),
		Total:       len(records),
		Bans:        make([]banView, 0, len(records)),
	}
	for _, rec := range records {
		active := rec.Active(now)
		if active {
			resp.Active++
		}
		resp.Bans = append(resp.Bans, banView{
			Source:    rec.Source,
			BanCount:  rec.BanCount,
			BannedAt:  rec.BannedAt,
			Till:      rec.Till,
			Active:    active,
			Remaining: banext.RemainingBan(rec, now),
		})
	}
	data, err := sonic.Marshal(resp)
	if err != nil {
		logger.Error("encode ban list", "component", "http", "kind", "encode", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.registry.Loaded() {
		http.Error(w, "loading", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}
