package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/kubelab-exams/internal/config"
	"github.com/stemsi/kubelab-exams/internal/database"
	"github.com/stemsi/kubelab-exams/internal/logger"
	"github.com/stemsi/kubelab-exams/internal/model"
	"github.com/stemsi/kubelab-exams/internal/repository"
	"github.com/stemsi/kubelab-exams/internal/scoring"
	"github.com/stemsi/kubelab-exams/internal/service"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examctl",
		Short:        "Operate the KubeLab exam catalog",
		SilenceUsage: true,
	}
	root.AddCommand(seedCmd(), deactivateCmd(), tokenCmd(), gradeCmd())
	return root
}

// ─── seed ───────────────────────────────────────────────────────────

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate a YAML catalog and upsert it into PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			exams, err := repository.LoadCatalogFile(file)
			if err != nil {
				return err
			}

			cfg := config.Load()
			log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
			ctx := cmd.Context()

			pool, err := database.NewPostgresPool(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			examRepo := repository.NewExamRepository(pool)
			cache, closeCache := catalogCache(ctx, cfg, examRepo, log)
			defer closeCache()

			for i := range exams {
				e := &exams[i]
				if err := examRepo.Upsert(ctx, e); err != nil {
					return fmt.Errorf("upsert %s: %w", e.ID, err)
				}
				if err := cache.Invalidate(ctx, e.ID); err != nil {
					log.Warn().Err(err).Str("exam_id", e.ID).Msg("Cache invalidation failed")
				}
				log.Info().
					Str("exam_id", e.ID).
					Int("questions", len(e.Questions)).
					Bool("active", e.IsActive).
					Msg("Exam seeded")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d exams from %s\n", len(exams), file)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "catalog/exams.yaml", "YAML catalog to load")
	return cmd
}

// ─── deactivate ─────────────────────────────────────────────────────

func deactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <exam-id>",
		Short: "Hide an exam from listings and new starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
			ctx := cmd.Context()

			pool, err := database.NewPostgresPool(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			examRepo := repository.NewExamRepository(pool)
			if err := examRepo.Deactivate(ctx, args[0]); err != nil {
				return fmt.Errorf("deactivate %s: %w", args[0], err)
			}

			cache, closeCache := catalogCache(ctx, cfg, examRepo, log)
			defer closeCache()
			if err := cache.Invalidate(ctx, args[0]); err != nil {
				log.Warn().Err(err).Str("exam_id", args[0]).Msg("Cache invalidation failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %s\n", args[0])
			return nil
		},
	}
}

// catalogCache connects to Redis when configured so cached definitions can
// be dropped. Without Redis the returned service invalidates nothing.
func catalogCache(ctx context.Context, cfg *config.Config, src service.ExamSource, log zerolog.Logger) (*service.ExamService, func()) {
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		c, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, cached definitions may be stale until TTL")
		} else {
			rdb = c
		}
	}
	closeFn := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}
	return service.NewExamService(src, rdb, cfg.CatalogCacheTTL, log), closeFn
}

// ─── token ──────────────────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			userID, _ := f.GetString("user")
			role, _ := f.GetString("role")
			prompt, _ := f.GetBool("prompt-secret")

			cfg := config.Load()
			secret := cfg.JWTSecret
			if prompt {
				fmt.Fprint(cmd.ErrOrStderr(), "JWT secret: ")
				raw, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = strings.TrimSpace(string(raw))
			}
			if secret == "" {
				return fmt.Errorf("JWT secret is empty")
			}

			r := model.Role(role)
			switch r {
			case model.RoleLearner, model.RoleInstructor, model.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			token, err := service.NewAuthService(secret, cfg.JWTExpiry).IssueToken(userID, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringP("user", "u", "", "User id to embed in the token (required)")
	f.StringP("role", "r", string(model.RoleLearner), "Role: learner, instructor or admin")
	f.Bool("prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ─── grade ──────────────────────────────────────────────────────────

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Score an answers file against a catalog exam without a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			catalogPath, _ := f.GetString("file")
			examID, _ := f.GetString("exam")
			answersPath, _ := f.GetString("answers")
			modeName, _ := f.GetString("mode")
			marker, _ := f.GetString("success-marker")

			exams, err := repository.LoadCatalogFile(catalogPath)
			if err != nil {
				return err
			}
			mode, err := scoring.ParseMode(modeName)
			if err != nil {
				return err
			}

			in, err := os.Open(answersPath)
			if err != nil {
				return fmt.Errorf("open answers: %w", err)
			}
			defer in.Close()

			engine := scoring.NewEngine(mode, scoring.WithSuccessMarker(marker))
			return grade(cmd.OutOrStdout(), engine, exams, examID, in)
		},
	}
	f := cmd.Flags()
	f.StringP("file", "f", "catalog/exams.yaml", "YAML catalog holding the exam")
	f.StringP("exam", "e", "", "Exam id (required)")
	f.StringP("answers", "a", "", "JSON object of questionId to answer (required)")
	f.String("mode", "exact", "Scoring mode: exact or heuristic")
	f.String("success-marker", "", "Default success marker for command_log grading")
	_ = cmd.MarkFlagRequired("exam")
	_ = cmd.MarkFlagRequired("answers")
	return cmd
}

type gradeReport struct {
	ExamID         string                 `json:"examId"`
	Score          float64                `json:"score"`
	TotalPoints    int                    `json:"totalPoints"`
	Percentage     int                    `json:"percentage"`
	Passed         bool                   `json:"passed"`
	CorrectAnswers int                    `json:"correctAnswers"`
	TotalQuestions int                    `json:"totalQuestions"`
	Results        []model.QuestionResult `json:"results"`
}

func grade(w io.Writer, engine *scoring.Engine, exams []model.Exam, examID string, answers io.Reader) error {
	var exam *model.Exam
	for i := range exams {
		if exams[i].ID == examID {
			exam = &exams[i]
			break
		}
	}
	if exam == nil {
		return fmt.Errorf("exam %q not in catalog", examID)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(answers).Decode(&raw); err != nil {
		return fmt.Errorf("decode answers: %w", err)
	}
	parsed, fields := model.ParseAnswers(raw)
	if fields != nil {
		return fmt.Errorf("invalid answers: %v", fields)
	}

	outcome := engine.Score(exam, parsed)
	percentage := service.Percentage(outcome.TotalScore, outcome.TotalPoints)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(gradeReport{
		ExamID:         exam.ID,
		Score:          outcome.TotalScore,
		TotalPoints:    outcome.TotalPoints,
		Percentage:     percentage,
		Passed:         service.Passed(percentage, exam.PassingScorePercent),
		CorrectAnswers: outcome.CorrectAnswers,
		TotalQuestions: len(exam.Questions),
		Results:        outcome.Results,
	})
}
