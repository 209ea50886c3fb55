package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowr_agency/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS simulations (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	agents INTEGER NOT NULL,
	seed INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS hands (
	simulation_id TEXT NOT NULL,
	agent INTEGER NOT NULL,
	position INTEGER NOT NULL,
	node_type TEXT NOT NULL,
	source TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(simulation_id, agent, position),
	FOREIGN KEY(simulation_id) REFERENCES simulations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS chart_attempts (
	id TEXT PRIMARY KEY,
	simulation_id TEXT NOT NULL,
	agent INTEGER NOT NULL,
	nodes TEXT NOT NULL,
	cid TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	output_lines INTEGER NOT NULL DEFAULT 0,
	repair_of TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(simulation_id) REFERENCES simulations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chart_attempts_sim ON chart_attempts(simulation_id, agent, created_at);

CREATE TABLE IF NOT EXISTS broadcasts (
	id TEXT PRIMARY KEY,
	simulation_id TEXT NOT NULL,
	from_agent INTEGER NOT NULL,
	node_type TEXT NOT NULL,
	recipients INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(simulation_id) REFERENCES simulations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_broadcasts_sim ON broadcasts(simulation_id, created_at);

CREATE TABLE IF NOT EXISTS repairs (
	id TEXT PRIMARY KEY,
	simulation_id TEXT NOT NULL,
	agent INTEGER NOT NULL,
	attempt_id TEXT NOT NULL,
	new_attempt_id TEXT NOT NULL,
	node_type TEXT NOT NULL,
	strategy TEXT NOT NULL,
	position INTEGER NOT NULL,
	fixed INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(simulation_id) REFERENCES simulations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_repairs_sim ON repairs(simulation_id, created_at);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	simulation_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(simulation_id) REFERENCES simulations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decision_log_sim ON decision_log(simulation_id, created_at);
`

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSimulation(ctx context.Context, sim domain.Simulation) error {
	if sim.StartedAt.IsZero() {
		sim.StartedAt = time.Now().UTC()
	}
	if sim.Status == "" {
		sim.Status = domain.SimulationStatusRunning
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO simulations(id, status, agents, seed, last_error, started_at, finished_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sim.ID, string(sim.Status), sim.Agents, int64(sim.Seed), sim.LastError,
		sim.StartedAt.Unix(), nullableUnix(sim.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create simulation: %w", err)
	}
	return nil
}

func (s *Store) FinishSimulation(ctx context.Context, simulationID string, status domain.SimulationStatus, lastError string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE simulations SET status = ?, last_error = ?, finished_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), simulationID,
	)
	if err != nil {
		return fmt.Errorf("finish simulation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish simulation %s: %w", simulationID, ErrNotFound)
	}
	return nil
}

// FailInterrupted marks simulations left running by a previous process.
func (s *Store) FailInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE simulations SET status = ?, last_error = ?, finished_at = ? WHERE status = ?`,
		string(domain.SimulationStatusFailed), "interrupted by restart", time.Now().UTC().Unix(),
		string(domain.SimulationStatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted simulations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count interrupted simulations: %w", err)
	}
	return int(n), nil
}

const simulationColumns = `id, status, agents, seed, last_error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (domain.Simulation, error) {
	var sim domain.Simulation
	var status string
	var seed int64
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&sim.ID, &status, &sim.Agents, &seed, &sim.LastError, &started, &finished); err != nil {
		return domain.Simulation{}, err
	}
	sim.Status = domain.SimulationStatus(status)
	sim.Seed = uint64(seed)
	sim.StartedAt = unixToTime(started)
	sim.FinishedAt = int64ToTimePtr(finished)
	return sim, nil
}

func (s *Store) GetSimulation(ctx context.Context, simulationID string) (domain.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id = ?`, simulationID)
	sim, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Simulation{}, fmt.Errorf("get simulation %s: %w", simulationID, ErrNotFound)
	}
	if err != nil {
		return domain.Simulation{}, fmt.Errorf("get simulation: %w", err)
	}
	return sim, nil
}

func (s *Store) ListSimulations(ctx context.Context, limit int) ([]domain.Simulation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+simulationColumns+` FROM simulations ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Simulation, 0)
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation: %w", err)
		}
		result = append(result, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate simulations: %w", err)
	}
	return result, nil
}

func (s *Store) RecordHandCard(ctx context.Context, card domain.HandCard) error {
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO hands(simulation_id, agent, position, node_type, source, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		card.SimulationID, card.Agent, card.Position, card.NodeType, string(card.Source), card.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record hand card: %w", err)
	}
	return nil
}

// ListHands returns every card of a simulation ordered by agent and position.
func (s *Store) ListHands(ctx context.Context, simulationID string) ([]domain.HandCard, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT simulation_id, agent, position, node_type, source, created_at
		FROM hands WHERE simulation_id = ?
		ORDER BY agent ASC, position ASC`,
		simulationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list hands: %w", err)
	}
	defer rows.Close()

	result := make([]domain.HandCard, 0)
	for rows.Next() {
		var card domain.HandCard
		var source string
		var created int64
		if err := rows.Scan(&card.SimulationID, &card.Agent, &card.Position, &card.NodeType, &source, &created); err != nil {
			return nil, fmt.Errorf("scan hand card: %w", err)
		}
		card.Source = domain.CardSource(source)
		card.CreatedAt = unixToTime(created)
		result = append(result, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hands: %w", err)
	}
	return result, nil
}

func (s *Store) RecordChartAttempt(ctx context.Context, a domain.ChartAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	nodes, err := json.Marshal(a.Spec.Nodes)
	if err != nil {
		return fmt.Errorf("marshal chart nodes: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO chart_attempts(id, simulation_id, agent, nodes, cid, outcome, output_lines, repair_of, last_error, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SimulationID, a.Agent, string(nodes), a.CID, string(a.Outcome), a.OutputLines,
		a.RepairOf, a.LastError, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record chart attempt: %w", err)
	}
	return nil
}

// ListChartAttempts returns attempts newest first. A negative agent selects
// every agent.
func (s *Store) ListChartAttempts(ctx context.Context, simulationID string, agent int, limit int) ([]domain.ChartAttempt, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, simulation_id, agent, nodes, cid, outcome, output_lines, repair_of, last_error, created_at
		FROM chart_attempts
		WHERE simulation_id = ? AND (? < 0 OR agent = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		simulationID, agent, agent, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chart attempts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ChartAttempt, 0)
	for rows.Next() {
		var a domain.ChartAttempt
		var nodes string
		var outcome string
		var created int64
		if err := rows.Scan(
			&a.ID, &a.SimulationID, &a.Agent, &nodes, &a.CID, &outcome, &a.OutputLines,
			&a.RepairOf, &a.LastError, &created,
		); err != nil {
			return nil, fmt.Errorf("scan chart attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(nodes), &a.Spec.Nodes); err != nil {
			return nil, fmt.Errorf("decode chart nodes of %s: %w", a.ID, err)
		}
		a.Outcome = domain.Outcome(outcome)
		a.CreatedAt = unixToTime(created)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chart attempts: %w", err)
	}
	return result, nil
}

func (s *Store) RecordBroadcast(ctx context.Context, b domain.BroadcastRecord) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO broadcasts(id, simulation_id, from_agent, node_type, recipients, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		b.ID, b.SimulationID, b.FromAgent, b.NodeType, b.Recipients, b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record broadcast: %w", err)
	}
	return nil
}

func (s *Store) ListBroadcasts(ctx context.Context, simulationID string, limit int) ([]domain.BroadcastRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, simulation_id, from_agent, node_type, recipients, created_at
		FROM broadcasts WHERE simulation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		simulationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BroadcastRecord, 0)
	for rows.Next() {
		var b domain.BroadcastRecord
		var created int64
		if err := rows.Scan(&b.ID, &b.SimulationID, &b.FromAgent, &b.NodeType, &b.Recipients, &created); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		b.CreatedAt = unixToTime(created)
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}
	return result, nil
}

func (s *Store) RecordRepair(ctx context.Context, r domain.Repair) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	fixed := 0
	if r.Fixed {
		fixed = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO repairs(id, simulation_id, agent, attempt_id, new_attempt_id, node_type, strategy, position, fixed, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SimulationID, r.Agent, r.AttemptID, r.NewAttemptID, r.NodeType, string(r.Strategy),
		r.Position, fixed, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record repair: %w", err)
	}
	return nil
}

func (s *Store) ListRepairs(ctx context.Context, simulationID string, limit int) ([]domain.Repair, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, simulation_id, agent, attempt_id, new_attempt_id, node_type, strategy, position, fixed, created_at
		FROM repairs WHERE simulation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		simulationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list repairs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Repair, 0)
	for rows.Next() {
		var r domain.Repair
		var strategy string
		var fixed int
		var created int64
		if err := rows.Scan(
			&r.ID, &r.SimulationID, &r.Agent, &r.AttemptID, &r.NewAttemptID, &r.NodeType,
			&strategy, &r.Position, &fixed, &created,
		); err != nil {
			return nil, fmt.Errorf("scan repair: %w", err)
		}
		r.Strategy = domain.RepairStrategy(strategy)
		r.Fixed = fixed != 0
		r.CreatedAt = unixToTime(created)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repairs: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload := entry.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(simulation_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.SimulationID, entry.Actor, entry.Action, entry.Reason, string(payload), entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, simulationID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, simulation_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE simulation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		simulationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.SimulationID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
