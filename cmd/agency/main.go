package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"flowr_agency/internal/agency"
	"flowr_agency/internal/config"
	"flowr_agency/internal/flowr"
	"flowr_agency/internal/fs"
	"flowr_agency/internal/messaging/inproc"
	sqlitestore "flowr_agency/internal/store/sqlite"
)

type app struct {
	cfg     config.Config
	rootCtx context.Context
	agency  *agency.Service
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.flowr/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	resultsFlag := flag.String("results", "", "results directory override")
	agentsFlag := flag.Int("agents", 0, "number of agents override")
	seedFlag := flag.Uint64("seed", 0, "random seed override (0 picks one)")
	startNow := flag.Bool("start", false, "start a simulation on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *agentsFlag > 0 {
		cfg.Agency.Agents = *agentsFlag
	}
	if *seedFlag > 0 {
		cfg.Agency.Seed = *seedFlag
	}

	addr := firstNonEmpty(*addrFlag, cfg.Agency.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Agency.DBPath, "data/flowr_agency.db"))
	resultsRoot := filepath.Clean(firstNonEmpty(*resultsFlag, cfg.Agency.ResultsRoot, "results"))

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}
	if n, err := store.FailInterrupted(ctx); err != nil {
		log.Fatalf("mark interrupted simulations: %v", err)
	} else if n > 0 {
		log.Printf("marked interrupted simulations count=%d", n)
	}

	recorder, err := fs.NewRecorder(resultsRoot)
	if err != nil {
		log.Fatalf("create results recorder: %v", err)
	}
	bus := inproc.New(intOrDefault(cfg.Agency.BusBuffer, 256))

	client, err := flowr.New(flowr.Config{
		Endpoint:          cfg.Flowr.Endpoint,
		Token:             cfg.Flowr.APIToken,
		Email:             cfg.Flowr.APIEmail,
		Timeout:           cfg.Flowr.Timeout(),
		RequestsPerSecond: cfg.Flowr.RequestsPerSecond,
		Burst:             cfg.Flowr.Burst,
		Logger:            log.Default(),
	})
	if err != nil {
		log.Fatalf("create flowr client: %v", err)
	}
	runner, err := agency.NewFlowrRunner(client, agency.RunnerConfig{
		PollInterval: durationMS(cfg.Agency.PollIntervalMS, time.Second),
		KeepCharts:   cfg.Agency.KeepCharts,
		Validators:   cfg.Validators,
	}, log.Default())
	if err != nil {
		log.Fatalf("create chart runner: %v", err)
	}

	agencyCfg := agency.Config{
		Agents:           cfg.Agency.Agents,
		Seed:             cfg.Agency.Seed,
		GenerateInterval: durationMS(cfg.Agency.GenerateIntervalMS, 2*time.Second),
		BroadcastMin:     durationMS(cfg.Agency.BroadcastMinMS, 5*time.Second),
		BroadcastMax:     durationMS(cfg.Agency.BroadcastMaxMS, 0),
		MaxOutputLines:   cfg.Agency.MaxOutputLines,
		MaxChartNodes:    cfg.Agency.MaxChartNodes,
		MaxAttempts:      cfg.Agency.MaxAttempts,
	}
	svc := agency.New(store, bus, recorder, client, runner, agencyCfg, log.Default())

	if *startNow {
		sim, err := svc.Start(ctx, agency.StartInput{})
		if err != nil {
			log.Printf("startup simulation failed: %v", err)
		} else {
			log.Printf("startup simulation started id=%s agents=%d seed=%d", sim.ID, sim.Agents, sim.Seed)
		}
	}

	a := &app{
		cfg:     cfg,
		rootCtx: ctx,
		agency:  svc,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/catalog", a.handleCatalog)
	mux.HandleFunc("/simulations", a.handleSimulations)
	mux.HandleFunc("/simulations/", a.handleSimulationByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"flowr agency started addr=%s db=%s results=%s endpoint=%s",
		addr,
		dbPath,
		recorder.Root(),
		client.Endpoint(),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	svc.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":       a.cfg.Path,
		"flowr":      a.cfg.Flowr.Redacted(),
		"agency":     a.cfg.Agency,
		"validators": a.cfg.Validators,
	})
}

func (a *app) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	load := a.agency.Catalog
	if r.URL.Query().Get("refresh") != "" {
		load = a.agency.RefreshCatalog
	}
	c, err := load(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func isRemote(err error) bool {
	var remote *flowr.RemoteServiceError
	return errors.As(err, &remote)
}

func (a *app) handleSimulations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sims, err := a.agency.ListSimulations(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sims)
	case http.MethodPost:
		var req struct {
			Agents int    `json:"agents"`
			Seed   uint64 `json:"seed"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
		}
		if req.Agents < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("agents must not be negative"))
			return
		}
		// The simulation outlives this request.
		sim, err := a.agency.Start(a.rootCtx, agency.StartInput{Agents: req.Agents, Seed: req.Seed})
		switch {
		case errors.Is(err, agency.ErrSimulationRunning):
			writeError(w, http.StatusConflict, err)
			return
		case isRemote(err):
			writeError(w, http.StatusBadGateway, err)
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, sim)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleSimulationByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/simulations/")
	parts := strings.Split(trimmed, "/")
	simID := parts[0]
	if simID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("simulation id is required"))
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			sim, err := a.agency.GetSimulation(r.Context(), simID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			payload := map[string]any{"simulation": sim}
			if report, err := a.agency.Report(simID); err == nil {
				payload["report"] = report
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			a.cancel(w, simID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	if action == "cancel" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a.cancel(w, simID)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		items any
		err   error
	)
	switch action {
	case "hands":
		items, err = a.agency.ListHands(r.Context(), simID)
	case "attempts":
		agent := -1
		if raw := strings.TrimSpace(r.URL.Query().Get("agent")); raw != "" {
			v, convErr := strconv.Atoi(raw)
			if convErr != nil || v < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid agent: %q", raw))
				return
			}
			agent = v
		}
		items, err = a.agency.ListAttempts(r.Context(), simID, agent, queryInt(r, "limit", 300))
	case "broadcasts":
		items, err = a.agency.ListBroadcasts(r.Context(), simID, queryInt(r, "limit", 300))
	case "repairs":
		items, err = a.agency.ListRepairs(r.Context(), simID, queryInt(r, "limit", 300))
	case "decisions":
		items, err = a.agency.ListDecisions(r.Context(), simID, queryInt(r, "limit", 300))
	case "players":
		items, err = a.agency.Players(r.Context(), simID)
		if errors.Is(err, sqlitestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *app) cancel(w http.ResponseWriter, simID string) {
	if err := a.agency.Cancel(simID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "canceling", "simulation_id": simID})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
