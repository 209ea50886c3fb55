// Package agency runs the node-sharing simulation against live charts: agents
// are dealt hands, build random charts, broadcast their nodes to each other and
// use what they receive to repair charts that failed.
package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowr_agency/internal/catalog"
	"flowr_agency/internal/domain"
	"flowr_agency/internal/simulation"
)

const serviceActor = "agency"

var (
	ErrSimulationRunning = errors.New("a simulation is already running")
	ErrSimulationUnknown = errors.New("simulation is not known to this process")
)

type Store interface {
	CreateSimulation(ctx context.Context, sim domain.Simulation) error
	FinishSimulation(ctx context.Context, simulationID string, status domain.SimulationStatus, lastError string) error
	GetSimulation(ctx context.Context, simulationID string) (domain.Simulation, error)
	ListSimulations(ctx context.Context, limit int) ([]domain.Simulation, error)
	RecordHandCard(ctx context.Context, card domain.HandCard) error
	ListHands(ctx context.Context, simulationID string) ([]domain.HandCard, error)
	RecordChartAttempt(ctx context.Context, attempt domain.ChartAttempt) error
	ListChartAttempts(ctx context.Context, simulationID string, agent int, limit int) ([]domain.ChartAttempt, error)
	RecordBroadcast(ctx context.Context, b domain.BroadcastRecord) error
	ListBroadcasts(ctx context.Context, simulationID string, limit int) ([]domain.BroadcastRecord, error)
	RecordRepair(ctx context.Context, r domain.Repair) error
	ListRepairs(ctx context.Context, simulationID string, limit int) ([]domain.Repair, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, simulationID string, limit int) ([]domain.DecisionLog, error)
}

type Bus interface {
	Register(agent int) <-chan domain.BroadcastMessage
	Unregister(agent int)
	Fanout(msg domain.BroadcastMessage) ([]int, error)
}

type Recorder interface {
	AppendJSONL(relPath string, v any) error
	WriteFile(relPath string, content []byte) error
	ReadFile(relPath string) ([]byte, error)
}

func reportPath(simulationID string) string {
	return simulationID + "/report.json"
}

// NodeLister supplies the flat node type listing the catalog is built from.
type NodeLister interface {
	ListAllNodes(ctx context.Context) ([]string, error)
}

type Config struct {
	Agents           int
	Seed             uint64
	GenerateInterval time.Duration
	BroadcastMin     time.Duration
	BroadcastMax     time.Duration
	MaxOutputLines   int
	MaxChartNodes    int
	MaxAttempts      int
}

func (c Config) withDefaults() Config {
	if c.Agents <= 0 {
		c.Agents = 5
	}
	if c.GenerateInterval <= 0 {
		c.GenerateInterval = 2 * time.Second
	}
	if c.BroadcastMin <= 0 {
		c.BroadcastMin = 5 * time.Second
	}
	if c.BroadcastMax < c.BroadcastMin {
		c.BroadcastMax = 3 * c.BroadcastMin
	}
	if c.MaxOutputLines <= 0 {
		c.MaxOutputLines = 100
	}
	if c.MaxChartNodes <= 0 {
		c.MaxChartNodes = 3
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

type Service struct {
	store    Store
	bus      Bus
	recorder Recorder
	nodes    NodeLister
	runner   ChartRunner
	cfg      Config
	logger   *log.Logger

	wg sync.WaitGroup

	mu      sync.Mutex
	active  *run
	runs    map[string]*run
	catalog *catalog.Catalog
}

func New(store Store, bus Bus, recorder Recorder, nodes NodeLister, runner ChartRunner, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		bus:      bus,
		recorder: recorder,
		nodes:    nodes,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*run),
	}
}

type StartInput struct {
	Agents int
	Seed   uint64
}

// run is one simulation in flight.
type run struct {
	svc    *Service
	sim    domain.Simulation
	agents int
	cancel context.CancelFunc

	mu         sync.Mutex
	players    map[int]*domain.PlayerState
	inflight   int
	finishedBC map[int]bool
	report     domain.SimulationReport
	finished   chan struct{}
	finishOnce sync.Once
	done       chan struct{}
	err        error
}

// RefreshCatalog rebuilds the catalog from the node listing and keeps it as
// the current one.
func (s *Service) RefreshCatalog(ctx context.Context) (*catalog.Catalog, error) {
	ids, err := s.nodes.ListAllNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list node types: %w", err)
	}
	c, err := catalog.Build(ids)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	s.logger.Printf("agency catalog refreshed node_types=%d", c.Len())
	return c, nil
}

// Catalog returns the last catalog, building one if none exists yet.
func (s *Service) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	s.mu.Lock()
	c := s.catalog
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}
	return s.RefreshCatalog(ctx)
}

// Start deals a new simulation and runs it in the background. The simulation
// ends on its own once every agent has shared its whole original hand and
// every broadcast has been handled, or when ctx is canceled.
func (s *Service) Start(ctx context.Context, in StartInput) (domain.Simulation, error) {
	r, err := s.start(ctx, in)
	if err != nil {
		return domain.Simulation{}, err
	}
	return r.sim, nil
}

// Run starts a simulation and blocks until it ends.
func (s *Service) Run(ctx context.Context, in StartInput) (domain.SimulationReport, error) {
	r, err := s.start(ctx, in)
	if err != nil {
		return domain.SimulationReport{}, err
	}
	<-r.done
	return r.snapshot(), r.err
}

func (s *Service) Wait() {
	s.wg.Wait()
}

// Cancel stops a running simulation.
func (s *Service) Cancel(simulationID string) error {
	s.mu.Lock()
	r, ok := s.runs[simulationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSimulationUnknown, simulationID)
	}
	r.cancel()
	return nil
}

func (s *Service) start(ctx context.Context, in StartInput) (*run, error) {
	agents := in.Agents
	if agents <= 0 {
		agents = s.cfg.Agents
	}
	seed := in.Seed
	if seed == 0 {
		seed = s.cfg.Seed
	}
	if seed == 0 {
		seed = rand.Uint64()
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSimulationRunning
	}
	placeholder := &run{}
	s.active = placeholder
	s.mu.Unlock()
	release := func() {
		s.mu.Lock()
		if s.active == placeholder {
			s.active = nil
		}
		s.mu.Unlock()
	}

	cat, err := s.RefreshCatalog(ctx)
	if err != nil {
		release()
		return nil, err
	}

	sim := domain.Simulation{
		ID:        uuid.NewString(),
		Status:    domain.SimulationStatusRunning,
		Agents:    agents,
		Seed:      seed,
		StartedAt: time.Now().UTC(),
	}
	state := simulation.NewState(cat, simulation.NewRand(seed))
	if err := state.Deal(agents); err != nil {
		release()
		return nil, fmt.Errorf("deal hands: %w", err)
	}
	if err := s.store.CreateSimulation(ctx, sim); err != nil {
		release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		svc:        s,
		sim:        sim,
		agents:     agents,
		cancel:     cancel,
		players:    make(map[int]*domain.PlayerState, agents),
		finishedBC: make(map[int]bool, agents),
		finished:   make(chan struct{}),
		done:       make(chan struct{}),
		report:     domain.SimulationReport{SimulationID: sim.ID, Status: sim.Status},
	}

	members := make([]*agent, 0, agents)
	for id := 0; id < agents; id++ {
		hand, _ := state.Hand(id)
		r.players[id] = &domain.PlayerState{Agent: id, Hand: hand.Clone()}
		for pos, node := range hand {
			if err := s.store.RecordHandCard(ctx, domain.HandCard{
				SimulationID: sim.ID,
				Agent:        id,
				Position:     pos,
				NodeType:     node,
				Source:       domain.CardSourceDealt,
				CreatedAt:    sim.StartedAt,
			}); err != nil {
				cancel()
				release()
				_ = s.store.FinishSimulation(context.WithoutCancel(ctx), sim.ID, domain.SimulationStatusFailed, err.Error())
				return nil, err
			}
		}
		members = append(members, newAgent(r, id, hand, seed+uint64(id)+1))
	}

	s.mu.Lock()
	s.active = r
	s.runs[sim.ID] = r
	s.mu.Unlock()

	logAction(ctx, s.store, sim.ID, serviceActor, "simulation_started", "hands dealt", map[string]any{
		"agents":     agents,
		"seed":       seed,
		"node_types": cat.Len(),
	})
	s.logger.Printf("agency simulation started id=%s agents=%d seed=%d", sim.ID, agents, seed)

	inboxes := make([]<-chan domain.BroadcastMessage, agents)
	for id := range members {
		inboxes[id] = s.bus.Register(id)
	}

	var agentsWG sync.WaitGroup
	for id, a := range members {
		agentsWG.Add(1)
		go func() {
			defer agentsWG.Done()
			a.loop(runCtx, inboxes[id])
		}()
	}

	stopWatch := context.AfterFunc(ctx, cancel)
	go func() {
		select {
		case <-r.finished:
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		agentsWG.Wait()
		stopWatch()
		for id := range members {
			s.bus.Unregister(id)
		}
		s.finish(r)
	}()
	return r, nil
}

func (s *Service) finish(r *run) {
	ctx := context.Background()
	status := domain.SimulationStatusDone
	lastError := ""
	select {
	case <-r.finished:
	default:
		status = domain.SimulationStatusCanceled
		lastError = "canceled before every node was shared"
		r.err = context.Canceled
	}

	r.mu.Lock()
	r.report.Status = status
	r.mu.Unlock()
	if err := s.store.FinishSimulation(ctx, r.sim.ID, status, lastError); err != nil {
		s.logger.Printf("agency finish simulation %s failed: %v", r.sim.ID, err)
	}
	report := r.snapshot()
	logAction(ctx, s.store, r.sim.ID, serviceActor, "simulation_finished", string(status), report)
	s.writeReport(report)
	s.logger.Printf(
		"agency simulation finished id=%s status=%s attempts=%d successes=%d broadcasts=%d repairs=%d serendipity=%d",
		r.sim.ID, status, report.Attempts, report.Successes, report.Broadcasts, report.Repairs, report.Serendipity,
	)

	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()
	close(r.done)
}

func (r *run) expect(n int) {
	r.mu.Lock()
	r.inflight += n
	r.mu.Unlock()
}

func (r *run) settle(n int) {
	r.mu.Lock()
	r.inflight -= n
	r.checkLocked()
	r.mu.Unlock()
}

func (r *run) broadcastFinished(agent int) {
	r.mu.Lock()
	if !r.finishedBC[agent] {
		r.finishedBC[agent] = true
		if p := r.players[agent]; p != nil {
			p.Done = true
		}
	}
	r.checkLocked()
	r.mu.Unlock()
}

func (r *run) checkLocked() {
	if len(r.finishedBC) == r.agents && r.inflight <= 0 {
		r.finishOnce.Do(func() { close(r.finished) })
	}
}

func (r *run) setHand(agent int, hand domain.Hand) {
	r.mu.Lock()
	if p := r.players[agent]; p != nil {
		p.Hand = hand.Clone()
	}
	r.mu.Unlock()
}

func (r *run) noteAttempt(agent int, outcome domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Attempts++
	p := r.players[agent]
	if p != nil {
		p.Attempts++
	}
	if outcome == domain.OutcomeSuccess {
		r.report.Successes++
	} else if p != nil && outcome.Failed() {
		p.Failed++
	}
}

func (r *run) noteBroadcast(agent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Broadcasts++
	if p := r.players[agent]; p != nil {
		p.Broadcasted++
	}
}

func (r *run) noteRepair(agent int, fixed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Repairs++
	if !fixed {
		return
	}
	r.report.Serendipity++
	if p := r.players[agent]; p != nil {
		p.Repaired++
	}
}

func (r *run) snapshot() domain.SimulationReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.report
	out.Players = make([]domain.PlayerState, 0, len(r.players))
	for _, p := range r.players {
		cp := *p
		cp.Hand = p.Hand.Clone()
		out.Players = append(out.Players, cp)
	}
	sort.Slice(out.Players, func(i, j int) bool { return out.Players[i].Agent < out.Players[j].Agent })
	return out
}

func (s *Service) writeReport(report domain.SimulationReport) {
	if s.recorder == nil {
		return
	}
	content, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		s.logger.Printf("agency marshal report %s failed: %v", report.SimulationID, err)
		return
	}
	if err := s.recorder.WriteFile(reportPath(report.SimulationID), append(content, '\n')); err != nil {
		s.logger.Printf("agency write report %s failed: %v", report.SimulationID, err)
	}
}

// Report returns the live report of a simulation started by this process, or
// the final report an earlier process left in the results directory.
func (s *Service) Report(simulationID string) (domain.SimulationReport, error) {
	s.mu.Lock()
	r, ok := s.runs[simulationID]
	s.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	if s.recorder != nil {
		if content, err := s.recorder.ReadFile(reportPath(simulationID)); err == nil {
			var report domain.SimulationReport
			if err := json.Unmarshal(content, &report); err != nil {
				return domain.SimulationReport{}, fmt.Errorf("decode report %s: %w", simulationID, err)
			}
			return report, nil
		}
	}
	return domain.SimulationReport{}, fmt.Errorf("%w: %s", ErrSimulationUnknown, simulationID)
}

// Players returns per-agent state. Simulations from earlier processes are
// rebuilt from the stored hands and attempts.
func (s *Service) Players(ctx context.Context, simulationID string) ([]domain.PlayerState, error) {
	if report, err := s.Report(simulationID); err == nil {
		return report.Players, nil
	}
	sim, err := s.store.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.ListHands(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	players := make([]domain.PlayerState, sim.Agents)
	for i := range players {
		players[i] = domain.PlayerState{Agent: i, Done: sim.Status != domain.SimulationStatusRunning}
	}
	for _, card := range cards {
		if card.Agent < 0 || card.Agent >= len(players) {
			continue
		}
		players[card.Agent].Hand = append(players[card.Agent].Hand, card.NodeType)
	}
	attempts, err := s.store.ListChartAttempts(ctx, simulationID, -1, 100000)
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		if a.Agent < 0 || a.Agent >= len(players) {
			continue
		}
		players[a.Agent].Attempts++
		if a.Outcome.Failed() {
			players[a.Agent].Failed++
		}
	}
	return players, nil
}

func (s *Service) GetSimulation(ctx context.Context, simulationID string) (domain.Simulation, error) {
	return s.store.GetSimulation(ctx, simulationID)
}

func (s *Service) ListSimulations(ctx context.Context, limit int) ([]domain.Simulation, error) {
	return s.store.ListSimulations(ctx, limit)
}

func (s *Service) ListHands(ctx context.Context, simulationID string) ([]domain.HandCard, error) {
	return s.store.ListHands(ctx, simulationID)
}

func (s *Service) ListAttempts(ctx context.Context, simulationID string, agent, limit int) ([]domain.ChartAttempt, error) {
	return s.store.ListChartAttempts(ctx, simulationID, agent, limit)
}

func (s *Service) ListBroadcasts(ctx context.Context, simulationID string, limit int) ([]domain.BroadcastRecord, error) {
	return s.store.ListBroadcasts(ctx, simulationID, limit)
}

func (s *Service) ListRepairs(ctx context.Context, simulationID string, limit int) ([]domain.Repair, error) {
	return s.store.ListRepairs(ctx, simulationID, limit)
}

func (s *Service) ListDecisions(ctx context.Context, simulationID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, simulationID, limit)
}
