package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/service"
)

const reaperBatchSize = 100

// SessionExpirer is the part of the session lifecycle the reaper drives.
type SessionExpirer interface {
	ExpiredSessions(ctx context.Context, cutoff time.Time, limit int) ([]model.ExamSession, error)
	Expire(ctx context.Context, sess model.ExamSession) (*model.ExamResult, error)
}

// SessionReaper finalises sessions abandoned past their deadline plus grace,
// so the learner can start the exam again.
type SessionReaper struct {
	sessions SessionExpirer
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewSessionReaper creates a new SessionReaper.
func NewSessionReaper(sessions SessionExpirer, interval, grace time.Duration, log zerolog.Logger) *SessionReaper {
	return &SessionReaper{
		sessions: sessions,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		log:      log.With().Str("component", "session_reaper").Logger(),
	}
}

// Start begins the ticker loop. Call in a goroutine; it returns when ctx ends.
func (w *SessionReaper) Start(ctx context.Context) {
	w.log.Info().
		Dur("interval", w.interval).
		Dur("grace", w.grace).
		Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce expires every overdue session and returns how many it closed.
func (w *SessionReaper) RunOnce(ctx context.Context) int {
	cutoff := w.now().UTC().Add(-w.grace)
	reaped := 0

	for ctx.Err() == nil {
		batch, err := w.sessions.ExpiredSessions(ctx, cutoff, reaperBatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("List expired sessions failed")
			return reaped
		}

		closed := 0
		for _, sess := range batch {
			_, err := w.sessions.Expire(ctx, sess)
			switch {
			case err == nil:
				closed++
				w.log.Info().
					Str("user_id", sess.UserID).
					Str("exam_id", sess.ExamID).
					Str("session_id", sess.ID.String()).
					Msg("Expired abandoned session")
			case errors.Is(err, service.ErrSessionNotFound):
				// Submitted between listing and expiry.
			default:
				w.log.Error().
					Err(err).
					Str("session_id", sess.ID.String()).
					Msg("Expire session failed")
			}
		}
		reaped += closed

		// A short batch is the last one; a batch with no progress would spin.
		if len(batch) < reaperBatchSize || closed == 0 {
			break
		}
	}
	return reaped
}
