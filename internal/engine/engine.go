package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"dealhealth/internal/config"
	"dealhealth/internal/db"
	"dealhealth/internal/engine/auth"
	"dealhealth/internal/events"
	"dealhealth/internal/health"
	"dealhealth/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Auth   auth.Service
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Auth:   auth.NewService(cfg),
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) thresholds() health.Thresholds {
	if e.Config == nil {
		return health.DefaultThresholds
	}
	return e.Config.Health.Thresholds
}

func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func newHistoryID() string {
	return ulid.Make().String()
}

// txStep names the failing step of a transaction for logs.
type txStep struct {
	step string
}

func (s *txStep) fail(step string, err error) error {
	s.step = step
	return err
}

func (e Engine) backoff() retry.Backoff {
	attempts := uint64(8)
	base := 20 * time.Millisecond
	if e.Config != nil {
		if e.Config.Store.RetryAttempts >= 0 {
			attempts = uint64(e.Config.Store.RetryAttempts)
		}
		base = e.Config.RetryBaseDelay()
	}
	return retry.WithMaxRetries(attempts, retry.WithJitterPercent(20, retry.NewExponential(base)))
}

// runTx runs fn in one write transaction. The whole transaction is retried
// on busy/locked errors and on version conflicts; any other error rolls back
// and is returned as is. fn must re-read everything it depends on.
func (e Engine) runTx(ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context, tx *sql.Tx, st *txStep) error) error {
	log := e.logger().With(append([]zap.Field{zap.String("op", op)}, fields...)...)
	attempt := 0
	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		attempt++
		st := &txStep{}
		err := e.attemptTx(ctx, fn, st)
		if err == nil {
			return nil
		}
		logFields := []zap.Field{zap.String("step", st.step), zap.Int("attempt", attempt), zap.Error(err)}
		switch {
		case db.IsBusy(err) || errors.Is(err, repo.ErrConflict):
			log.Warn("transaction retry", logFields...)
			return retry.RetryableError(err)
		case isCallerError(err):
			log.Debug("transaction rejected", logFields...)
		default:
			log.Error("transaction failed", logFields...)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: %s: concurrent update did not settle after %d attempts", ErrStoreUnavailable, op, attempt)
	}
	return storeErr(err)
}

func (e Engine) attemptTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx, st *txStep) error, st *txStep) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return st.fail("begin", err)
	}
	defer tx.Rollback()
	if err := fn(ctx, tx, st); err != nil {
		if st.step == "" {
			st.step = "body"
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return st.fail("commit", err)
	}
	return nil
}

func isCallerError(err error) bool {
	var fe auth.ForbiddenError
	return errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, repo.ErrNotFound) || errors.As(err, &fe)
}
