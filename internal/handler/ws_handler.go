package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/middleware"
	"github.com/stemsi/kubelab-exams/internal/response"
	"github.com/stemsi/kubelab-exams/internal/service"
	ws "github.com/stemsi/kubelab-exams/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams the remaining time of an active session and accepts
// submissions over the socket.
type WSHandler struct {
	sessionService *service.ExamSessionService
	tick           time.Duration
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, tick time.Duration, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &WSHandler{
		sessionService: sessionService,
		tick:           tick,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// streamConn serialises writes; gorilla allows one concurrent writer.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *streamConn) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.WriteTyped(s.conn, v)
}

func (s *streamConn) writeError(code response.ErrCode, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ws.WriteError(s.conn, string(code), response.GetMessage(code), fields)
}

func (s *streamConn) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// ExamStream godoc
// WS /ws/v1/exams/:id/stream?token=
// Pushes "time" events every tick while the caller's session is active.
func (h *WSHandler) ExamStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	userID := claims.UserID
	examID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	sc := &streamConn{conn: conn}

	wsLog := h.log.With().
		Str("user_id", userID).
		Str("exam_id", examID).
		Logger()

	// The upgrade request context ends with the handler; derive our own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !h.sendTime(ctx, sc, wsLog, userID, examID) {
		sc.close()
		return
	}
	wsLog.Info().Msg("Learner connected")

	go h.tickLoop(ctx, cancel, sc, wsLog, userID, examID)

	for {
		raw, err := ws.ReadRaw(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = sc.writeError(response.ErrInvalidPayload, nil)
			continue
		}

		switch env.Action {
		case ws.ActionPing:
			_ = sc.write(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionTime:
			if !h.sendTime(ctx, sc, wsLog, userID, examID) {
				sc.close()
				return
			}
		case ws.ActionSubmit:
			if h.handleSubmit(ctx, sc, wsLog, userID, examID, raw) {
				cancel()
				sc.close()
				return
			}
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = sc.writeError(response.ErrInvalidPayload, map[string]string{"action": "unknown action: " + string(env.Action)})
		}
	}
}

func (h *WSHandler) tickLoop(ctx context.Context, cancel context.CancelFunc, sc *streamConn, wsLog zerolog.Logger, userID, examID string) {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.sendTime(ctx, sc, wsLog, userID, examID) {
				cancel()
				sc.close()
				return
			}
		}
	}
}

// sendTime reports false once the stream should end.
func (h *WSHandler) sendTime(ctx context.Context, sc *streamConn, wsLog zerolog.Logger, userID, examID string) bool {
	sess, err := h.sessionService.ActiveSession(ctx, userID, examID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			_ = sc.writeError(response.ErrSessionNotFound, nil)
		} else {
			wsLog.Error().Err(err).Msg("Load active session failed")
			_ = sc.writeError(response.ErrInternal, nil)
		}
		return false
	}

	return sc.write(ws.TimeResponse{
		Event:         ws.EventTime,
		SessionID:     sess.ID.String(),
		TimeRemaining: h.sessionService.Remaining(sess),
	}) == nil
}

// handleSubmit reports true when the session was graded.
func (h *WSHandler) handleSubmit(ctx context.Context, sc *streamConn, wsLog zerolog.Logger, userID, examID string, raw []byte) bool {
	var req ws.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		_ = sc.writeError(response.ErrInvalidPayload, nil)
		return false
	}
	sessionID, answers, fields := parseSubmission(req.SessionID, req.Answers)
	if fields != nil {
		_ = sc.writeError(response.ErrValidation, fields)
		return false
	}

	result, err := h.sessionService.Submit(ctx, userID, examID, sessionID, answers)
	if err != nil {
		_, code := errorStatus(err)
		if code == response.ErrInternal {
			wsLog.Error().Err(err).Msg("Submit over stream failed")
		}
		_ = sc.writeError(code, nil)
		return false
	}

	wsLog.Info().
		Float64("score", result.Score).
		Int("percentage", result.Percentage).
		Msg("Exam submitted over stream")
	_ = sc.write(ws.GradedResponse{Event: ws.EventGraded, Result: result})
	return true
}
