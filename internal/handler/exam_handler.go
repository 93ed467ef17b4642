package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/middleware"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/response"
	"github.com/stemsi/kubelab-exams/internal/service"
	"github.com/stemsi/kubelab-exams/internal/validator"
)

// ExamHandler handles the learner-facing exam endpoints.
type ExamHandler struct {
	examService    *service.ExamService
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, sessionService *service.ExamSessionService, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		examService:    examService,
		sessionService: sessionService,
		log:            log.With().Str("component", "exam_handler").Logger(),
	}
}

// ListExams godoc
// GET /api/v1/exams?category=&difficulty=&tags=a,b
// Lists active exams without answer keys.
func (h *ExamHandler) ListExams(c *gin.Context) {
	filter, fields := parseExamFilter(c)
	if fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exams, err := h.examService.ListExams(c.Request.Context(), filter)
	if err != nil {
		h.internal(c, err, "List exams failed")
		return
	}

	payloads := make([]*model.ExamPayload, len(exams))
	for i := range exams {
		payloads[i] = exams[i].Redact()
	}
	response.Success(c, http.StatusOK, gin.H{"exams": payloads, "total": len(payloads)})
}

func parseExamFilter(c *gin.Context) (model.ExamFilter, map[string]string) {
	filter := model.ExamFilter{Category: strings.TrimSpace(c.Query("category"))}

	if raw := strings.TrimSpace(c.Query("difficulty")); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 1 || d > 5 {
			return filter, map[string]string{"difficulty": "difficulty must be an integer between 1 and 5"}
		}
		filter.Difficulty = d
	}

	if raw := c.Query("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Tags = append(filter.Tags, t)
			}
		}
	}
	return filter, nil
}

// GetExam godoc
// GET /api/v1/exams/:id
// Returns the full definition including answer keys. Instructors and admins only.
func (h *ExamHandler) GetExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	if !claims.Role.CanViewAnswerKeys() {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	exam, err := h.examService.GetExam(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// StartExam godoc
// POST /api/v1/exams/:id/start
// Opens a session and returns the exam without answer keys.
func (h *ExamHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	resp, err := h.sessionService.Start(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, resp)
}

// SubmitExam godoc
// POST /api/v1/exams/:id/submit
// Finishes the session and returns the graded result.
func (h *ExamHandler) SubmitExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmitExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	sessionID, answers, fields := parseSubmission(req.SessionID, req.Answers)
	if fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.sessionService.Submit(c.Request.Context(), claims.UserID, c.Param("id"), sessionID, answers)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": result})
}

// GetResults godoc
// GET /api/v1/exams/:id/results
// Lists the caller's attempts, newest first.
func (h *ExamHandler) GetResults(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempts, err := h.sessionService.Results(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// fail maps service errors onto the response envelope.
func (h *ExamHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.internal(c, err, "Exam request failed")
		return
	}
	response.Fail(c, status, code)
}

func (h *ExamHandler) internal(c *gin.Context, err error, msg string) {
	h.log.Error().
		Err(err).
		Str("request_id", response.RequestID(c)).
		Str("path", c.FullPath()).
		Msg(msg)
	response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
}

func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrExamNotFound
	case errors.Is(err, service.ErrSessionAlreadyActive):
		return http.StatusBadRequest, response.ErrSessionAlreadyActive
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrNoAttempts):
		return http.StatusNotFound, response.ErrNoAttempts
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// parseSubmission validates the session id and decodes every answer,
// collecting field errors rather than stopping at the first.
func parseSubmission(rawID string, rawAnswers map[string]json.RawMessage) (uuid.UUID, map[string]model.Answer, map[string]string) {
	answers, fields := model.ParseAnswers(rawAnswers)
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		if fields == nil {
			fields = map[string]string{}
		}
		fields["sessionId"] = "sessionId must be a valid UUID"
	}
	if len(fields) > 0 {
		return uuid.Nil, nil, fields
	}
	return sessionID, answers, nil
}
