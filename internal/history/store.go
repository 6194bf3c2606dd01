// Package history persists conformance run summaries so runs can be compared
// over time.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/logger"
	"github.com/matindow/modi-api/internal/report"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("history: run not found")

// Run is one stored conformance run.
type Run struct {
	ID            string    `gorm:"primaryKey;size:64"`
	Name          string    `gorm:"size:128"`
	Target        string    `gorm:"size:512"`
	Contract      string    `gorm:"size:512"`
	StartedAt     time.Time `gorm:"index"`
	DurationMS    int64
	Total         int
	Passed        int
	Failed        int
	ManualCleanup int
	// Summary is the JSON encoded report summary.
	Summary   []byte
	Scenarios []ScenarioRun `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
}

// ScenarioRun is the outcome of one scenario within a run.
type ScenarioRun struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"size:64;index"`
	ScenarioID string `gorm:"size:128;index"`
	Resource   string `gorm:"size:64"`
	Operation  string `gorm:"size:16"`
	State      string `gorm:"size:16"`
	// Kinds is a comma separated list of failure kinds.
	Kinds      string `gorm:"size:256"`
	DurationMS int64
}

// Passed reports whether the scenario reached DONE.
func (s ScenarioRun) Passed() bool {
	return s.State == "DONE"
}

// Store reads and writes run history.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg config.HistoryConfig, zl *zap.Logger, logLevel string) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", cfg.Driver)
	}
	if zl == nil {
		zl = zap.NewNop()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.NewGormLogger(zl, logger.GormLevel(logLevel)),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("history: failed to connect to database: %w", err)
	}
	return New(db, zl)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB, zl *zap.Logger) (*Store, error) {
	if zl == nil {
		zl = zap.NewNop()
	}
	if err := db.AutoMigrate(&Run{}, &ScenarioRun{}); err != nil {
		return nil, fmt.Errorf("history: migrating schema: %w", err)
	}
	return &Store{db: db, logger: zl.Named("history")}, nil
}

// Instrument records a span per query on tp. Query parameters are left out
// of the spans.
func (s *Store) Instrument(tp trace.TracerProvider) error {
	plugin := otelgorm.NewPlugin(
		otelgorm.WithTracerProvider(tp),
		otelgorm.WithDBName(s.db.Name()),
		otelgorm.WithoutQueryVariables(),
	)
	if err := s.db.Use(plugin); err != nil {
		return fmt.Errorf("history: registering tracing: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Save stores the run described by doc.
func (s *Store) Save(ctx context.Context, doc *report.Document) (*Run, error) {
	if doc.Metadata.RunID == "" {
		return nil, errors.New("history: run id is required")
	}
	summary, err := json.Marshal(doc.Summary)
	if err != nil {
		return nil, fmt.Errorf("history: encoding summary: %w", err)
	}

	run := &Run{
		ID:            doc.Metadata.RunID,
		Name:          doc.Metadata.Name,
		Target:        doc.Metadata.Target,
		Contract:      doc.Metadata.Contract,
		StartedAt:     doc.Metadata.GeneratedAt.Add(-doc.Summary.Duration),
		DurationMS:    doc.Summary.Duration.Milliseconds(),
		Total:         doc.Summary.Total,
		Passed:        doc.Summary.Passed,
		Failed:        doc.Summary.Failed,
		ManualCleanup: doc.Summary.ManualCleanup,
		Summary:       summary,
	}
	for _, res := range doc.Results {
		kinds := make([]string, 0, len(res.Failures))
		for _, k := range res.Kinds() {
			kinds = append(kinds, string(k))
		}
		run.Scenarios = append(run.Scenarios, ScenarioRun{
			RunID:      run.ID,
			ScenarioID: res.ScenarioID,
			Resource:   res.Resource,
			Operation:  res.Operation,
			State:      string(res.State),
			Kinds:      strings.Join(kinds, ","),
			DurationMS: res.Duration.Milliseconds(),
		})
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("history: saving run: %w", err)
	}
	logger.FromContextOr(ctx, s.logger).Debug("run saved",
		zap.String("run_id", run.ID),
		zap.Int("scenarios", len(run.Scenarios)),
	)
	return run, nil
}

// Recent returns up to limit runs, newest first, without scenarios.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	var runs []Run
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("history: listing runs: %w", err)
	}
	return runs, nil
}

// Get returns one run with its scenarios.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Preload("Scenarios", func(db *gorm.DB) *gorm.DB { return db.Order("scenario_id") }).
		Where("id = ?", id).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("history: loading run: %w", err)
	}
	return &run, nil
}

// Regressions returns the scenarios that failed in run id but passed in the
// previous run with the same name against the same target.
func (s *Store) Regressions(ctx context.Context, id string) ([]ScenarioRun, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var previous Run
	err = s.db.WithContext(ctx).
		Where("started_at < ? AND name = ? AND target = ?", current.StartedAt, current.Name, current.Target).
		Order("started_at DESC").
		First(&previous).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: loading previous run: %w", err)
	}

	var passedBefore []string
	err = s.db.WithContext(ctx).
		Model(&ScenarioRun{}).
		Where("run_id = ? AND state = ?", previous.ID, "DONE").
		Pluck("scenario_id", &passedBefore).Error
	if err != nil {
		return nil, fmt.Errorf("history: loading previous scenarios: %w", err)
	}
	passed := make(map[string]bool, len(passedBefore))
	for _, sid := range passedBefore {
		passed[sid] = true
	}

	var out []ScenarioRun
	for _, sc := range current.Scenarios {
		if !sc.Passed() && passed[sc.ScenarioID] {
			out = append(out, sc)
		}
	}
	return out, nil
}
