package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/kubelab-exams/internal/middleware"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/repository"
	"github.com/stemsi/kubelab-exams/internal/response"
	"github.com/stemsi/kubelab-exams/internal/scoring"
	"github.com/stemsi/kubelab-exams/internal/service"
	"github.com/stemsi/kubelab-exams/internal/validator"
	ws "github.com/stemsi/kubelab-exams/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

func fundamentalsExam() model.Exam {
	return model.Exam{
		ID:                  "k8s-fundamentals",
		Title:               "Kubernetes Fundamentals",
		Category:            "fundamentals",
		Difficulty:          1,
		TimeLimitMinutes:    30,
		PassingScorePercent: 70,
		Tags:                []string{"core"},
		IsActive:            true,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionTypeMultipleChoice, Prompt: "Smallest deployable unit?",
				Options: []string{"Pod", "Node"}, CorrectAnswer: model.SingleAnswer("Pod"), PointValue: 10},
			{ID: "q2", Type: model.QuestionTypeMultipleChoice, Prompt: "Which are namespaced?",
				Options: []string{"Pod", "Service", "Node"}, CorrectAnswer: model.SetAnswer("Pod", "Service"), PointValue: 30},
		},
	}
}

func networkingExam() model.Exam {
	e := fundamentalsExam()
	e.ID = "k8s-networking"
	e.Title = "Networking"
	e.Category = "networking"
	e.Difficulty = 3
	e.Tags = []string{"cni"}
	return e
}

type testServer struct {
	engine *gin.Engine
	auth   *service.AuthService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()
	catalog := service.NewExamService(
		repository.NewMemoryExamRepository([]model.Exam{fundamentalsExam(), networkingExam()}),
		nil, time.Minute, log)
	store := repository.NewMemoryStore()
	sessions := service.NewExamSessionService(catalog, store, store,
		scoring.NewEngine(scoring.ModeExact), service.SessionOptions{}, log)
	auth := service.NewAuthService("handler-secret", time.Hour)

	exams := NewExamHandler(catalog, sessions, log)
	stream := NewWSHandler(sessions, 20*time.Millisecond, log, nil)

	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	api := r.Group("/api/v1/exams", middleware.RequireUserJWT(auth))
	api.GET("", exams.ListExams)
	api.GET("/:id", exams.GetExam)
	api.POST("/:id/start", exams.StartExam)
	api.POST("/:id/submit", exams.SubmitExam)
	api.GET("/:id/results", exams.GetResults)
	r.GET("/ws/v1/exams/:id/stream", middleware.RequireWSAuth(auth), stream.ExamStream)

	return &testServer{engine: r, auth: auth}
}

func (s *testServer) token(t *testing.T, user string, role model.Role) string {
	t.Helper()
	tok, err := s.auth.IssueToken(user, role)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

func (s *testServer) do(t *testing.T, method, path, user string, role model.Role, body interface{}) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token(t, user, role))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestListExams(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodGet, "/api/v1/exams", "alice", model.RoleLearner, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, env.Metadata.RequestID)
	var all struct {
		Exams []map[string]interface{} `json:"exams"`
		Total int                      `json:"total"`
	}
	decode(t, env.Data, &all)
	assert.Equal(t, 2, all.Total)
	assert.NotContains(t, string(env.Data), "correctAnswer")

	code, env = s.do(t, http.MethodGet, "/api/v1/exams?difficulty=3", "alice", model.RoleLearner, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, env.Data, &all)
	require.Equal(t, 1, all.Total)
	assert.Equal(t, "k8s-networking", all.Exams[0]["id"])

	code, env = s.do(t, http.MethodGet, "/api/v1/exams?tags=core,%20unknown", "alice", model.RoleLearner, nil)
	require.Equal(t, http.StatusOK, code)
	decode(t, env.Data, &all)
	require.Equal(t, 1, all.Total)
	assert.Equal(t, "k8s-fundamentals", all.Exams[0]["id"])

	for _, bad := range []string{"hard", "0", "6"} {
		code, env = s.do(t, http.MethodGet, "/api/v1/exams?difficulty="+bad, "alice", model.RoleLearner, nil)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		require.NotNil(t, env.Error)
		assert.Equal(t, string(response.ErrValidation), env.Error.Code)
		assert.Contains(t, env.Error.Fields, "difficulty")
	}
}

func TestGetExam_RoleGated(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodGet, "/api/v1/exams/k8s-fundamentals", "alice", model.RoleLearner, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, string(response.ErrForbidden), env.Error.Code)

	code, env = s.do(t, http.MethodGet, "/api/v1/exams/k8s-fundamentals", "irene", model.RoleInstructor, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"correctAnswer":"Pod"`)

	code, env = s.do(t, http.MethodGet, "/api/v1/exams/nope", "irene", model.RoleInstructor, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(response.ErrExamNotFound), env.Error.Code)
}

func startExam(t *testing.T, s *testServer, user string) string {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/exams/k8s-fundamentals/start", user, model.RoleLearner, nil)
	require.Equal(t, http.StatusOK, code)
	var started model.StartExamResponse
	decode(t, env.Data, &started)
	assert.Equal(t, 30*60, started.TimeRemaining)
	return started.SessionID.String()
}

func TestStartExam(t *testing.T) {
	s := newTestServer(t)
	startExam(t, s, "alice")

	code, env := s.do(t, http.MethodPost, "/api/v1/exams/k8s-fundamentals/start", "alice", model.RoleLearner, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(response.ErrSessionAlreadyActive), env.Error.Code)

	code, env = s.do(t, http.MethodPost, "/api/v1/exams/missing/start", "alice", model.RoleLearner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(response.ErrExamNotFound), env.Error.Code)
}

func TestSubmitExam(t *testing.T) {
	s := newTestServer(t)
	sessionID := startExam(t, s, "alice")
	path := "/api/v1/exams/k8s-fundamentals/submit"

	t.Run("missing session id", func(t *testing.T) {
		code, env := s.do(t, http.MethodPost, path, "alice", model.RoleLearner, map[string]interface{}{"answers": map[string]string{}})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, env.Error.Fields, "sessionId")
	})

	t.Run("malformed answers are reported per question", func(t *testing.T) {
		code, env := s.do(t, http.MethodPost, path, "alice", model.RoleLearner, map[string]interface{}{
			"sessionId": sessionID,
			"answers":   map[string]interface{}{"q1": 42, "q2": []string{"Pod"}},
		})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, string(response.ErrValidation), env.Error.Code)
		assert.Contains(t, env.Error.Fields, "answers.q1")
		assert.NotContains(t, env.Error.Fields, "answers.q2")
	})

	t.Run("graded", func(t *testing.T) {
		code, env := s.do(t, http.MethodPost, path, "alice", model.RoleLearner, map[string]interface{}{
			"sessionId": sessionID,
			"answers":   map[string]interface{}{"q1": "Pod", "q2": []string{"Service", "Pod"}},
		})
		require.Equal(t, http.StatusOK, code)
		var body struct {
			Result model.ExamResult `json:"result"`
		}
		decode(t, env.Data, &body)
		assert.Equal(t, 40.0, body.Result.Score)
		assert.Equal(t, 40, body.Result.TotalPoints)
		assert.Equal(t, 100, body.Result.Percentage)
		assert.True(t, body.Result.Passed)
		assert.Equal(t, 2, body.Result.CorrectAnswers)
		assert.Len(t, body.Result.Results, 2)
	})

	t.Run("second submit finds no session", func(t *testing.T) {
		code, env := s.do(t, http.MethodPost, path, "alice", model.RoleLearner, map[string]interface{}{
			"sessionId": sessionID,
			"answers":   map[string]interface{}{},
		})
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, string(response.ErrSessionNotFound), env.Error.Code)
	})
}

func TestGetResults(t *testing.T) {
	s := newTestServer(t)
	path := "/api/v1/exams/k8s-fundamentals/results"

	code, env := s.do(t, http.MethodGet, path, "alice", model.RoleLearner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(response.ErrNoAttempts), env.Error.Code)

	sessionID := startExam(t, s, "alice")
	code, _ = s.do(t, http.MethodPost, "/api/v1/exams/k8s-fundamentals/submit", "alice", model.RoleLearner, map[string]interface{}{
		"sessionId": sessionID,
		"answers":   map[string]interface{}{"q1": "Node"},
	})
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(t, http.MethodGet, path, "alice", model.RoleLearner, nil)
	require.Equal(t, http.StatusOK, code)
	var body struct {
		Attempts []model.Attempt `json:"attempts"`
	}
	decode(t, env.Data, &body)
	require.Len(t, body.Attempts, 1)
	assert.False(t, body.Attempts[0].Passed)
	assert.Equal(t, "alice", body.Attempts[0].UserID)

	code, _ = s.do(t, http.MethodGet, path, "bob", model.RoleLearner, nil)
	assert.Equal(t, http.StatusNotFound, code, "attempts are private to the learner")
}

func dialStream(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/exams/k8s-fundamentals/stream?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips time ticks that may interleave with replies.
func readUntil(t *testing.T, conn *websocket.Conn, event ws.Event) map[string]interface{} {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readEvent(t, conn)
		if msg["event"] == string(event) {
			return msg
		}
	}
	t.Fatalf("no %q event", event)
	return nil
}

func TestExamStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	sessionID := startExam(t, s, "alice")
	conn := dialStream(t, srv, s.token(t, "alice", model.RoleLearner))

	first := readEvent(t, conn)
	assert.Equal(t, string(ws.EventTime), first["event"])
	assert.Equal(t, sessionID, first["sessionId"])
	assert.InDelta(t, 30*60, first["timeRemaining"], 2)

	readUntil(t, conn, ws.EventTime) // ticker is running

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	readUntil(t, conn, ws.EventPong)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action":    "submit",
		"sessionId": sessionID,
		"answers":   map[string]interface{}{"q1": true},
	}))
	bad := readUntil(t, conn, ws.EventError)
	assert.Equal(t, string(response.ErrValidation), bad["code"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action":    "submit",
		"sessionId": sessionID,
		"answers":   map[string]interface{}{"q1": "Pod"},
	}))
	graded := readUntil(t, conn, ws.EventGraded)
	result, ok := graded["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 10.0, result["score"])
	assert.Equal(t, 25.0, result["percentage"])
}

func TestExamStream_NoActiveSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	conn := dialStream(t, srv, s.token(t, "bob", model.RoleLearner))
	msg := readEvent(t, conn)
	assert.Equal(t, string(ws.EventError), msg["event"])
	assert.Equal(t, string(response.ErrSessionNotFound), msg["code"])
}

func TestExamStream_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/v1/exams/k8s-fundamentals/stream", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
