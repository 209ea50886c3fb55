package agency

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flowr_agency/internal/domain"
	"flowr_agency/internal/fs"
	"flowr_agency/internal/messaging/inproc"
	"flowr_agency/internal/simulation"
	sqlitestore "flowr_agency/internal/store/sqlite"
)

var testNodes = []string{
	"text.retrievers.Alpha",
	"text.retrievers.Beta",
	"utility.Empty",
	"utility.Flood",
	"utility.Fix",
	"utility.Plain",
}

type staticNodes []string

func (n staticNodes) ListAllNodes(context.Context) ([]string, error) {
	return n, nil
}

// lineRunner decides output size from the nodes in the chart: Fix wins, then
// Flood, then Empty.
type lineRunner struct {
	mu    sync.Mutex
	specs []domain.ChartSpec
}

func (r *lineRunner) Run(_ context.Context, spec domain.ChartSpec) (RunResult, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec.Clone())
	r.mu.Unlock()

	has := func(name string) bool {
		for _, n := range spec.Nodes {
			if strings.HasSuffix(n, "."+name) {
				return true
			}
		}
		return false
	}
	lines := 3
	switch {
	case has("Fix"):
		lines = 5
	case has("Flood"):
		lines = 500
	case has("Empty"):
		lines = 0
	}
	return RunResult{CID: "1", Script: SpecScript(spec, nil), OutputLines: lines}, nil
}

type testEnv struct {
	store    *sqlitestore.Store
	bus      *inproc.Bus
	recorder *fs.Recorder
	runner   *lineRunner
	svc      *Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlitestore.Open(filepath.Join(dir, "agency.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	recorder, err := fs.NewRecorder(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	env := &testEnv{
		store:    store,
		bus:      inproc.New(64),
		recorder: recorder,
		runner:   &lineRunner{},
	}
	env.svc = New(env.store, env.bus, env.recorder, staticNodes(testNodes), env.runner, cfg, log.New(io.Discard, "", 0))
	return env
}

func fastConfig() Config {
	return Config{
		Agents:           2,
		Seed:             7,
		GenerateInterval: 2 * time.Millisecond,
		BroadcastMin:     time.Millisecond,
		BroadcastMax:     3 * time.Millisecond,
		MaxChartNodes:    3,
		MaxAttempts:      5,
	}
}

func TestRunSharesEveryNodeAndFinishes(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := env.svc.Run(ctx, StartInput{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != domain.SimulationStatusDone {
		t.Fatalf("status=%s want=done", report.Status)
	}
	if report.Broadcasts != len(testNodes) {
		t.Fatalf("broadcasts=%d want=%d", report.Broadcasts, len(testNodes))
	}
	for _, p := range report.Players {
		if !p.Done {
			t.Fatalf("player %d not done", p.Agent)
		}
		if len(p.Hand) != len(testNodes) {
			t.Fatalf("player %d hand=%v want every node", p.Agent, p.Hand)
		}
		if !strings.HasPrefix(p.Hand[0], "text.retrievers.") {
			t.Fatalf("player %d hand does not start with a retriever: %v", p.Agent, p.Hand)
		}
	}

	sim, err := env.store.GetSimulation(ctx, report.SimulationID)
	if err != nil {
		t.Fatalf("get simulation: %v", err)
	}
	if sim.Status != domain.SimulationStatusDone || sim.Seed != 7 || sim.FinishedAt == nil {
		t.Fatalf("stored simulation=%+v", sim)
	}
	cards, err := env.store.ListHands(ctx, report.SimulationID)
	if err != nil {
		t.Fatalf("list hands: %v", err)
	}
	if len(cards) != 2*len(testNodes) {
		t.Fatalf("hand cards=%d want=%d", len(cards), 2*len(testNodes))
	}
	attempts, err := env.store.ListChartAttempts(ctx, report.SimulationID, -1, 1000)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != report.Attempts {
		t.Fatalf("stored attempts=%d report=%d", len(attempts), report.Attempts)
	}
	repairs, err := env.store.ListRepairs(ctx, report.SimulationID, 1000)
	if err != nil {
		t.Fatalf("list repairs: %v", err)
	}
	fixed := 0
	for _, r := range repairs {
		if r.Fixed {
			fixed++
		}
	}
	if len(repairs) != report.Repairs || fixed != report.Serendipity {
		t.Fatalf("repairs=%d fixed=%d report=%+v", len(repairs), fixed, report)
	}
	decisions, err := env.store.ListDecisions(ctx, report.SimulationID, 1000)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) == 0 || decisions[0].Action != "simulation_finished" {
		t.Fatalf("last decision=%+v", decisions)
	}

	if report.Successes > 0 {
		raw, err := env.recorder.ReadFile(report.SimulationID + "/agent-0.jsonl")
		if err != nil && !strings.Contains(err.Error(), "no such file") {
			t.Fatalf("read results: %v", err)
		}
		for _, text := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
			if text == "" {
				continue
			}
			var l resultLine
			if err := json.Unmarshal([]byte(text), &l); err != nil {
				t.Fatalf("decode result line %q: %v", text, err)
			}
			if l.Agent != 0 || l.OutputLines < 1 || l.OutputLines > 100 {
				t.Fatalf("bad result line %+v", l)
			}
		}
	}
	env.svc.Wait()
}

func TestReportOutlivesProcess(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := env.svc.Run(ctx, StartInput{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	env.svc.Wait()
	raw, err := env.recorder.ReadFile(report.SimulationID + "/report.json")
	if err != nil {
		t.Fatalf("read report file: %v", err)
	}
	if !strings.Contains(string(raw), `"status": "done"`) {
		t.Fatalf("report file=%s", raw)
	}

	restarted := New(env.store, inproc.New(4), env.recorder, staticNodes(testNodes), env.runner, fastConfig(), log.New(io.Discard, "", 0))
	again, err := restarted.Report(report.SimulationID)
	if err != nil {
		t.Fatalf("report after restart: %v", err)
	}
	if again.Broadcasts != report.Broadcasts || again.Attempts != report.Attempts || len(again.Players) != len(report.Players) {
		t.Fatalf("report after restart=%+v want=%+v", again, report)
	}
	if _, err := restarted.Report("missing"); !errors.Is(err, ErrSimulationUnknown) {
		t.Fatalf("missing report err=%v", err)
	}
}

func TestRunInsufficientRetrievers(t *testing.T) {
	env := newTestEnv(t, fastConfig())

	_, err := env.svc.Run(context.Background(), StartInput{Agents: 3})
	var insufficient *simulation.InsufficientRetrieversError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err=%v want InsufficientRetrieversError", err)
	}
	if insufficient.Have != 2 || insufficient.Need != 3 {
		t.Fatalf("err=%+v", insufficient)
	}
	sims, err := env.store.ListSimulations(context.Background(), 10)
	if err != nil {
		t.Fatalf("list simulations: %v", err)
	}
	if len(sims) != 0 {
		t.Fatalf("simulation stored despite failed deal: %+v", sims)
	}
}

func TestCancelStopsSimulation(t *testing.T) {
	cfg := fastConfig()
	cfg.BroadcastMin = time.Hour
	cfg.BroadcastMax = time.Hour
	env := newTestEnv(t, cfg)

	sim, err := env.svc.Start(context.Background(), StartInput{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.svc.Start(context.Background(), StartInput{}); !errors.Is(err, ErrSimulationRunning) {
		t.Fatalf("second start err=%v want ErrSimulationRunning", err)
	}
	if err := env.svc.Cancel(sim.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	env.svc.Wait()

	stored, err := env.store.GetSimulation(context.Background(), sim.ID)
	if err != nil {
		t.Fatalf("get simulation: %v", err)
	}
	if stored.Status != domain.SimulationStatusCanceled {
		t.Fatalf("status=%s want=canceled", stored.Status)
	}
	if err := env.svc.Cancel("nope"); !errors.Is(err, ErrSimulationUnknown) {
		t.Fatalf("cancel unknown err=%v", err)
	}
}

func TestPlayersFromStore(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	ctx := context.Background()

	report, err := env.svc.Run(ctx, StartInput{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	env.svc.mu.Lock()
	delete(env.svc.runs, report.SimulationID)
	env.svc.mu.Unlock()

	players, err := env.svc.Players(ctx, report.SimulationID)
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	if len(players) != 2 {
		t.Fatalf("players=%d", len(players))
	}
	for i, p := range players {
		if len(p.Hand) != len(report.Players[i].Hand) || p.Hand[0] != report.Players[i].Hand[0] {
			t.Fatalf("player %d rebuilt hand=%v live=%v", i, p.Hand, report.Players[i].Hand)
		}
	}
}

func TestRepairAll(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	ctx := context.Background()
	sim := domain.Simulation{ID: "sim-repair", Agents: 1}
	if err := env.store.CreateSimulation(ctx, sim); err != nil {
		t.Fatalf("create simulation: %v", err)
	}
	r := &run{
		svc:        env.svc,
		sim:        sim,
		agents:     1,
		players:    map[int]*domain.PlayerState{0: {Agent: 0}},
		finishedBC: map[int]bool{},
		finished:   make(chan struct{}),
	}
	a := newAgent(r, 0, domain.Hand{"text.retrievers.Alpha"}, 1)
	a.failed = []domain.ChartAttempt{
		{ID: "quiet", Spec: domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha", "utility.Empty", "utility.Plain"}}, Outcome: domain.OutcomeNoOutput},
		{ID: "loud", Spec: domain.ChartSpec{Nodes: []string{"text.retrievers.Alpha", "utility.Flood"}}, Outcome: domain.OutcomeTooMuchOutput},
	}

	a.repairAll(ctx, "utility.Flood")
	if len(a.failed) != 2 {
		t.Fatalf("flood should fix nothing, failed=%d", len(a.failed))
	}
	a.repairAll(ctx, "utility.Fix")
	if len(a.failed) != 0 {
		t.Fatalf("fix should repair both, failed=%+v", a.failed)
	}

	repairs, err := env.store.ListRepairs(ctx, sim.ID, 100)
	if err != nil {
		t.Fatalf("list repairs: %v", err)
	}
	// Flood: two substitutions on quiet, one append on loud. Fix: first
	// substitution on quiet, one append on loud.
	if len(repairs) != 5 {
		t.Fatalf("repairs=%d want=5", len(repairs))
	}
	if r.report.Serendipity != 2 || r.players[0].Repaired != 2 {
		t.Fatalf("report=%+v player=%+v", r.report, r.players[0])
	}
	for _, rep := range repairs {
		if rep.Fixed && rep.NodeType != "utility.Fix" {
			t.Fatalf("unexpected fixed repair %+v", rep)
		}
	}
}
