package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metabinary-ltd/reforge/internal/types"
)

// Store persists the duration history used for ETAs plus the journal of runs
// and their stage results.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dirOf(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS stage_durations (
			media_class TEXT,
			stage TEXT,
			seconds REAL NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (media_class, stage)
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			profile TEXT,
			preserve_data INTEGER,
			bitlocker INTEGER,
			media TEXT,
			state TEXT,
			outcome TEXT,
			error TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
			run_id TEXT,
			seq INTEGER,
			stage TEXT,
			outcome TEXT,
			elapsed_ms INTEGER,
			error TEXT,
			started_at TIMESTAMP,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	_, _ = s.db.Exec(`INSERT OR IGNORE INTO meta(key,value) VALUES ('schema_version','1')`)
	return nil
}

// built-in per-class run totals, split across stages by weight; deliberately
// pessimistic so first-run ETAs err long
var defaultTotals = map[types.MediaClass]time.Duration{
	types.MediaNVMe:    6 * time.Minute,
	types.MediaSSD:     7 * time.Minute,
	types.MediaHDD:     8 * time.Minute,
	types.MediaUSB:     9 * time.Minute,
	types.MediaUnknown: 9 * time.Minute,
}

// DefaultDurations is the estimate for a media class with no recorded history.
func DefaultDurations(class types.MediaClass) types.StageDurations {
	total, ok := defaultTotals[class]
	if !ok {
		total = defaultTotals[types.MediaUnknown]
	}
	out := make(types.StageDurations, len(types.Stages()))
	for _, stage := range types.Stages() {
		out[stage] = total * time.Duration(types.StageWeight(stage)) / 100
	}
	return out
}

// Estimate returns the expected per-stage durations for a media class,
// filling stages with no recorded observation from the built-in defaults.
func (s *Store) Estimate(ctx context.Context, class types.MediaClass) (types.StageDurations, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, seconds FROM stage_durations WHERE media_class = ?`, string(class))
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	est := DefaultDurations(class)
	for rows.Next() {
		var stage string
		var seconds float64
		if err := rows.Scan(&stage, &seconds); err != nil {
			return nil, err
		}
		est[types.StageID(stage)] = time.Duration(seconds * float64(time.Second))
	}
	return est, rows.Err()
}

// RecordDurations folds observed stage durations into the history using
// exponential smoothing; smoothing is the weight of the new observation.
// Called strictly after a run completes.
func (s *Store) RecordDurations(ctx context.Context, class types.MediaClass, observed types.StageDurations, smoothing float64) error {
	if len(observed) == 0 {
		return nil
	}
	if smoothing <= 0 || smoothing > 1 {
		return fmt.Errorf("smoothing %v out of range", smoothing)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for stage, d := range observed {
		var prior float64
		err := tx.QueryRowContext(ctx,
			`SELECT seconds FROM stage_durations WHERE media_class = ? AND stage = ?`,
			string(class), string(stage)).Scan(&prior)

		newSecs := d.Seconds()
		switch {
		case err == nil:
			newSecs = prior*(1-smoothing) + d.Seconds()*smoothing
		case errors.Is(err, sql.ErrNoRows):
			// first observation stands alone
		default:
			return fmt.Errorf("read prior duration: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stage_durations (media_class, stage, seconds, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(media_class, stage) DO UPDATE SET
				seconds=excluded.seconds,
				updated_at=CURRENT_TIMESTAMP
		`, string(class), string(stage), newSecs); err != nil {
			return fmt.Errorf("upsert duration: %w", err)
		}
	}
	return tx.Commit()
}

// Classes lists media classes with recorded history.
func (s *Store) Classes(ctx context.Context) ([]types.MediaClass, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT media_class FROM stage_durations ORDER BY media_class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MediaClass
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, types.MediaClass(c))
	}
	return out, rows.Err()
}

func (s *Store) InsertRun(ctx context.Context, run types.RunSummary) error {
	if run.ID == "" {
		return errors.New("run id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, profile, preserve_data, bitlocker, media, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, string(run.Options.Profile), boolInt(run.Options.PreserveData),
		boolInt(run.Options.BitLocker), string(run.Media), string(run.State), run.StartedAt)
	return err
}

func (s *Store) UpdateRunState(ctx context.Context, runID string, state types.RunState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ? WHERE id = ?`, string(state), runID)
	return err
}

func (s *Store) FinishRun(ctx context.Context, runID string, state types.RunState, outcome types.RunOutcome, errMsg string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, outcome = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(state), string(outcome), errMsg, finishedAt, runID)
	return err
}

func (s *Store) AppendStageResult(ctx context.Context, runID string, res types.StageResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_results (run_id, seq, stage, outcome, elapsed_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, res.Seq, string(res.Stage), string(res.Outcome),
		res.Elapsed.Milliseconds(), res.Error, res.StartedAt)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (*types.RunSummary, error) {
	var run types.RunSummary
	var profile, media, state, outcome string
	var errMsg sql.NullString
	var preserve, bitlocker int
	var finished sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile, preserve_data, bitlocker, media, state,
		       COALESCE(outcome, ''), error, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID).Scan(&run.ID, &profile, &preserve, &bitlocker, &media, &state,
		&outcome, &errMsg, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Options = types.Options{
		Profile:      types.Profile(profile),
		PreserveData: preserve != 0,
		BitLocker:    bitlocker != 0,
	}
	run.Media = types.MediaClass(media)
	run.State = types.RunState(state)
	run.Outcome = types.RunOutcome(outcome)
	run.Error = errMsg.String
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	results, err := s.stageResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Results = results
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]types.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile, preserve_data, media, state, COALESCE(outcome, ''), started_at
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RunSummary
	for rows.Next() {
		var run types.RunSummary
		var profile, media, state, outcome string
		var preserve int
		if err := rows.Scan(&run.ID, &profile, &preserve, &media, &state, &outcome, &run.StartedAt); err != nil {
			return nil, err
		}
		run.Options.Profile = types.Profile(profile)
		run.Options.PreserveData = preserve != 0
		run.Media = types.MediaClass(media)
		run.State = types.RunState(state)
		run.Outcome = types.RunOutcome(outcome)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) stageResults(ctx context.Context, runID string) ([]types.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, outcome, elapsed_ms, COALESCE(error, ''), started_at
		FROM stage_results WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StageResult
	for rows.Next() {
		var res types.StageResult
		var stage, outcome string
		var elapsedMS int64
		if err := rows.Scan(&res.Seq, &stage, &outcome, &elapsedMS, &res.Error, &res.StartedAt); err != nil {
			return nil, err
		}
		res.Stage = types.StageID(stage)
		res.Outcome = types.StageOutcome(outcome)
		res.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, res)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}
