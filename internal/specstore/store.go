// Package specstore persists specs, tasks, gate results, and the audit
// log in SQLite.
//
// The store is the single durable record of orchestration state. Phase
// index regressions are rejected unless the update has the shape of an
// explicit rollback, and the audit log is append-only. A per-spec lease
// with TTL gives orchestrators single-writer semantics: while a live
// lease exists, writes are rejected unless the caller's context carries
// the holder's identity (WithHolder), and a second resumer gets
// ErrLeaseHeld instead of a silent split brain.
package specstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/dispatch"
	"github.com/fyrsmithlabs/specd/internal/spec"
	"github.com/fyrsmithlabs/specd/internal/verify"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/specstore"

// Errors for store operations.
var (
	// ErrSpecNotFound means no spec exists with the given ID.
	ErrSpecNotFound = errors.New("spec not found")
	// ErrTaskNotFound means no task exists with the given ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrIndexRegression means an update tried to move the phase index
	// backwards without the shape of an explicit rollback.
	ErrIndexRegression = errors.New("phase index may not regress outside rollback")
	// ErrLeaseHeld means another orchestrator holds the spec's lease.
	ErrLeaseHeld = errors.New("spec lease held by another orchestrator")
)

// Config holds store configuration.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string `koanf:"data_dir"`
	// BusyTimeout bounds lock waits inside SQLite.
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "data",
		BusyTimeout: 5 * time.Second,
	}
}

// Store is the SQLite-backed durable record.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// New opens (creating if needed) the database and runs migrations.
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "specd.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	s := &Store{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS specs (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			tier                TEXT NOT NULL,
			current_phase_index INTEGER NOT NULL,
			status              TEXT NOT NULL,
			phases              TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS artifacts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			spec_id     TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			FOREIGN KEY (spec_id) REFERENCES specs(id)
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_spec ON artifacts(spec_id, phase_index);

		CREATE TABLE IF NOT EXISTS gate_results (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			spec_id     TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			command     TEXT NOT NULL,
			exit_code   INTEGER NOT NULL,
			output      TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			timestamp   TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			FOREIGN KEY (spec_id) REFERENCES specs(id)
		);
		CREATE INDEX IF NOT EXISTS idx_gates_spec ON gate_results(spec_id, phase_index, id);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			spec_id      TEXT NOT NULL,
			phase_index  INTEGER NOT NULL,
			operation    TEXT NOT NULL,
			partition_path TEXT NOT NULL,
			agent_id     TEXT NOT NULL DEFAULT '',
			packet       TEXT NOT NULL,
			state        TEXT NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			reason       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			completed_at TEXT,
			FOREIGN KEY (spec_id) REFERENCES specs(id)
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_spec ON tasks(spec_id, phase_index);
		CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(spec_id, phase_index, state);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			spec_id     TEXT NOT NULL,
			action      TEXT NOT NULL,
			phase_index INTEGER NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_spec ON audit_log(spec_id, id);

		CREATE TABLE IF NOT EXISTS leases (
			spec_id    TEXT PRIMARY KEY,
			holder     TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSpec persists a new spec.
func (s *Store) CreateSpec(ctx context.Context, sp *spec.Spec) error {
	ctx, span := s.tracer.Start(ctx, "specstore.create_spec")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", sp.ID))

	phases, err := json.Marshal(sp.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO specs (id, name, tier, current_phase_index, status, phases, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, string(sp.Tier), sp.CurrentPhaseIndex, string(sp.Status),
		string(phases), formatTime(sp.CreatedAt), formatTime(sp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert spec: %w", err)
	}
	s.logger.Info("spec created",
		zap.String("spec_id", sp.ID),
		zap.String("name", sp.Name),
		zap.String("tier", string(sp.Tier)),
	)
	return nil
}

// GetSpec loads a spec with its full phase plan.
func (s *Store) GetSpec(ctx context.Context, id string) (*spec.Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, current_phase_index, status, phases, created_at, updated_at
		 FROM specs WHERE id = ?`, id)
	return scanSpec(row)
}

// ListSpecs returns all specs ordered by creation time, newest first.
func (s *Store) ListSpecs(ctx context.Context) ([]*spec.Spec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tier, current_phase_index, status, phases, created_at, updated_at
		 FROM specs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	defer rows.Close()

	var specs []*spec.Spec
	for rows.Next() {
		sp, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, sp)
	}
	return specs, rows.Err()
}

// UpdateSpec persists spec mutations. The phase index may only move
// backwards when the update has rollback shape: the target phase is
// in_progress and every later phase is pending. A live lease held by
// another orchestrator rejects the write.
func (s *Store) UpdateSpec(ctx context.Context, sp *spec.Spec) error {
	ctx, span := s.tracer.Start(ctx, "specstore.update_spec")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", sp.ID))

	if err := s.checkLease(ctx, sp.ID); err != nil {
		return err
	}
	current, err := s.GetSpec(ctx, sp.ID)
	if err != nil {
		return err
	}
	if sp.CurrentPhaseIndex < current.CurrentPhaseIndex && !isRollbackShape(sp) {
		return fmt.Errorf("%w: %d -> %d", ErrIndexRegression,
			current.CurrentPhaseIndex, sp.CurrentPhaseIndex)
	}

	phases, err := json.Marshal(sp.Phases)
	if err != nil {
		return fmt.Errorf("failed to marshal phases: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE specs SET name = ?, tier = ?, current_phase_index = ?, status = ?, phases = ?, updated_at = ?
		 WHERE id = ?`,
		sp.Name, string(sp.Tier), sp.CurrentPhaseIndex, string(sp.Status),
		string(phases), formatTime(sp.UpdatedAt), sp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update spec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSpecNotFound
	}
	return nil
}

// isRollbackShape reports whether the spec looks like the result of an
// explicit rollback: current phase in_progress, all later phases pending.
func isRollbackShape(sp *spec.Spec) bool {
	if sp.CurrentPhaseIndex < 0 || sp.CurrentPhaseIndex >= len(sp.Phases) {
		return false
	}
	if sp.Phases[sp.CurrentPhaseIndex].Status != spec.PhaseInProgress {
		return false
	}
	for i := sp.CurrentPhaseIndex + 1; i < len(sp.Phases); i++ {
		if sp.Phases[i].Status != spec.PhasePending {
			return false
		}
	}
	return true
}

// AddArtifact records an artifact produced during a phase.
func (s *Store) AddArtifact(ctx context.Context, specID string, phaseIndex int, kind spec.ArtifactKind, path string) error {
	if err := s.checkLease(ctx, specID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (spec_id, phase_index, kind, path, created_at) VALUES (?, ?, ?, ?, ?)`,
		specID, phaseIndex, string(kind), path, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifact kinds recorded for a phase.
func (s *Store) ListArtifacts(ctx context.Context, specID string, phaseIndex int) ([]spec.ArtifactKind, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind FROM artifacts WHERE spec_id = ? AND phase_index = ? ORDER BY id`,
		specID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var kinds []spec.ArtifactKind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, spec.ArtifactKind(k))
	}
	return kinds, rows.Err()
}

// ListArtifactPaths returns the file paths of every artifact recorded
// for the spec, in creation order.
func (s *Store) ListArtifactPaths(ctx context.Context, specID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM artifacts WHERE spec_id = ? ORDER BY id`, specID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// AppendGateResult records a gate command outcome for a phase.
func (s *Store) AppendGateResult(ctx context.Context, specID string, phaseIndex int, r verify.Result) error {
	if err := s.checkLease(ctx, specID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gate_results (spec_id, phase_index, command, exit_code, output, attempts, timestamp, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		specID, phaseIndex, r.Command, r.ExitCode, r.Output, r.Attempts,
		formatTime(r.Timestamp), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert gate result: %w", err)
	}
	return nil
}

// ListGateResults returns recorded gate outcomes for a phase in insert
// order, which is also timestamp order.
func (s *Store) ListGateResults(ctx context.Context, specID string, phaseIndex int) ([]spec.GateResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command, exit_code, timestamp FROM gate_results
		 WHERE spec_id = ? AND phase_index = ? ORDER BY id`,
		specID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list gate results: %w", err)
	}
	defer rows.Close()

	var results []spec.GateResult
	for rows.Next() {
		var r spec.GateResult
		var ts string
		if err := rows.Scan(&r.Command, &r.ExitCode, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = parseTime(ts)
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveTask persists a newly dispatched task.
func (s *Store) SaveTask(ctx context.Context, t *dispatch.Task) error {
	if err := s.checkLease(ctx, t.SpecID); err != nil {
		return err
	}
	packet, err := json.Marshal(t.Packet)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, spec_id, phase_index, operation, partition_path, agent_id, packet, state, output, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SpecID, t.PhaseIndex, string(t.Operation), t.Partition, t.AgentID,
		string(packet), string(t.Result.State), t.Result.Output, t.Result.Reason,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTaskResult persists a task's terminal result.
func (s *Store) UpdateTaskResult(ctx context.Context, t *dispatch.Task) error {
	if err := s.checkLease(ctx, t.SpecID); err != nil {
		return err
	}
	var completed any
	if !t.CompletedAt.IsZero() {
		completed = formatTime(t.CompletedAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET agent_id = ?, state = ?, output = ?, reason = ?, completed_at = ? WHERE id = ?`,
		t.AgentID, string(t.Result.State), t.Result.Output, t.Result.Reason, completed, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks returns all tasks for a phase in creation order.
func (s *Store) ListTasks(ctx context.Context, specID string, phaseIndex int) ([]*dispatch.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, spec_id, phase_index, operation, partition_path, agent_id, packet, state, output, reason, created_at, completed_at
		 FROM tasks WHERE spec_id = ? AND phase_index = ? ORDER BY created_at, id`,
		specID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*dispatch.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PendingTaskCount returns how many of a phase's tasks have not reached
// a terminal result.
func (s *Store) PendingTaskCount(ctx context.Context, specID string, phaseIndex int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE spec_id = ? AND phase_index = ? AND state = ?`,
		specID, phaseIndex, string(dispatch.ResultPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return n, nil
}

// AppendAudit appends to the audit log. There is no update or delete
// path for audit rows.
func (s *Store) AppendAudit(ctx context.Context, rec spec.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (spec_id, action, phase_index, detail, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SpecID, rec.Action, rec.PhaseIndex, rec.Detail, formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// ListAudit returns the spec's audit trail in append order.
func (s *Store) ListAudit(ctx context.Context, specID string) ([]spec.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT spec_id, action, phase_index, detail, recorded_at FROM audit_log
		 WHERE spec_id = ? ORDER BY id`, specID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []spec.AuditRecord
	for rows.Next() {
		var rec spec.AuditRecord
		var ts string
		if err := rows.Scan(&rec.SpecID, &rec.Action, &rec.PhaseIndex, &rec.Detail, &ts); err != nil {
			return nil, err
		}
		rec.RecordedAt = parseTime(ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AcquireLease takes the spec's writer lease for the holder. An
// unexpired lease held by someone else yields ErrLeaseHeld; re-acquiring
// one's own lease extends it.
func (s *Store) AcquireLease(ctx context.Context, specID, holder string, ttl time.Duration) error {
	ctx, span := s.tracer.Start(ctx, "specstore.acquire_lease")
	defer span.End()
	span.SetAttributes(
		attribute.String("spec_id", specID),
		attribute.String("holder", holder),
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE spec_id = ?`, specID,
	).Scan(&current, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// No lease yet.
	case err != nil:
		return fmt.Errorf("failed to read lease: %w", err)
	default:
		if current != holder && parseTime(expiresAt).After(time.Now().UTC()) {
			return fmt.Errorf("%w: held by %s until %s", ErrLeaseHeld, current, expiresAt)
		}
	}

	expiry := formatTime(time.Now().UTC().Add(ttl))
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (spec_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(spec_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		specID, holder, expiry,
	); err != nil {
		return fmt.Errorf("failed to write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease: %w", err)
	}

	s.logger.Info("lease acquired",
		zap.String("spec_id", specID),
		zap.String("holder", holder),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// RenewLease extends the holder's lease. Renewing a lease you do not
// hold is ErrLeaseHeld.
func (s *Store) RenewLease(ctx context.Context, specID, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE spec_id = ? AND holder = ?`,
		formatTime(time.Now().UTC().Add(ttl)), specID, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the holder's lease. Releasing a lease you do not
// hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, specID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE spec_id = ? AND holder = ?`, specID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

type holderKey struct{}

// WithHolder returns a context carrying a lease holder identity. Store
// writes compare it against the spec's live lease.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

// HolderFromContext returns the lease identity on the context, if any.
func HolderFromContext(ctx context.Context) string {
	h, _ := ctx.Value(holderKey{}).(string)
	return h
}

// checkLease rejects a write when the spec's lease is live and held by
// someone other than the context's holder. Specs without a live lease
// are freely writable.
func (s *Store) checkLease(ctx context.Context, specID string) error {
	var holder, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE spec_id = ?`, specID,
	).Scan(&holder, &expiresAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if !parseTime(expiresAt).After(time.Now().UTC()) {
		return nil
	}
	if holder != HolderFromContext(ctx) {
		return fmt.Errorf("%w: held by %s until %s", ErrLeaseHeld, holder, expiresAt)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpec(row rowScanner) (*spec.Spec, error) {
	var sp spec.Spec
	var tier, status, phases, createdAt, updatedAt string
	err := row.Scan(&sp.ID, &sp.Name, &tier, &sp.CurrentPhaseIndex, &status, &phases, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSpecNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan spec: %w", err)
	}
	if err := json.Unmarshal([]byte(phases), &sp.Phases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal phases: %w", err)
	}
	sp.Tier = spec.ComplexityTier(tier)
	sp.Status = spec.Status(status)
	sp.CreatedAt = parseTime(createdAt)
	sp.UpdatedAt = parseTime(updatedAt)
	return &sp, nil
}

func scanTask(row rowScanner) (*dispatch.Task, error) {
	var t dispatch.Task
	var op, state, packet, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&t.ID, &t.SpecID, &t.PhaseIndex, &op, &t.Partition, &t.AgentID,
		&packet, &state, &t.Result.Output, &t.Result.Reason, &createdAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(packet), &t.Packet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packet: %w", err)
	}
	t.Operation = agent.OperationKind(op)
	t.Result.State = dispatch.ResultState(state)
	t.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t.CompletedAt = parseTime(completedAt.String)
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
