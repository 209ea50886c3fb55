package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"flowr_agency/internal/domain"
)

type embeddedAgency struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "agency base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start the agency alongside the monitor")
	agencyBinary := flag.String("agency-bin", "", "path to agency binary (optional in embedded mode)")
	configPath := flag.String("config", "", "config file passed to the embedded agency")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded agency")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedAgency(*addr, *agencyBinary, *configPath, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded agency: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "agency health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	simsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	simsTable.SetTitle("Simulations (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	newView := func(title string) *tview.TextView {
		v := tview.NewTextView().
			SetDynamicColors(true).
			SetWrap(false)
		v.SetTitle(title).SetBorder(true)
		return v
	}
	summaryView := newView("Summary")
	playersView := newView("Players")
	attemptsView := newView("Charts")
	broadcastsView := newView("Broadcasts")
	repairsView := newView("Repairs")
	decisionsView := newView("Decisions")

	promptInput := tview.NewInputField().
		SetLabel("Start simulation (agents [seed]): ")
	promptInput.SetBorder(true).SetTitle("Enter = start, Ctrl+K = cancel selected")

	statusView := newView("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus simulations",
		c.baseURL,
		*embedded,
	))

	left := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(simsTable, 0, 2, false).
		AddItem(summaryView, 5, 0, false).
		AddItem(broadcastsView, 0, 1, false)
	rightTop := tview.NewFlex().
		AddItem(playersView, 0, 1, false).
		AddItem(repairsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 2, false).
		AddItem(attemptsView, 0, 3, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(left, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedID string
	var lastSims []domain.Simulation
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshSimulations := func() {
		sims, err := c.listSimulations(100)
		if err != nil {
			app.QueueUpdateDraw(func() {
				simsTable.Clear()
				simsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastSims = sims
		app.QueueUpdateDraw(func() {
			renderSimulationsTable(simsTable, sims, selectedID)
		})
	}

	refreshDetailsAsync := func(simID string) {
		if strings.TrimSpace(simID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			type result struct {
				text string
				err  error
			}
			fetch := func(load func() (string, error)) <-chan result {
				ch := make(chan result, 1)
				go func() {
					text, err := load()
					ch <- result{text: text, err: err}
				}()
				return ch
			}
			summaryCh := fetch(func() (string, error) {
				d, err := c.getSimulation(selected)
				return renderSummary(d), err
			})
			playersCh := fetch(func() (string, error) {
				items, err := c.listPlayers(selected)
				return renderPlayers(items), err
			})
			attemptsCh := fetch(func() (string, error) {
				items, err := c.listAttempts(selected, 200)
				return renderAttempts(items), err
			})
			broadcastsCh := fetch(func() (string, error) {
				items, err := c.listBroadcasts(selected, 200)
				return renderBroadcasts(items), err
			})
			repairsCh := fetch(func() (string, error) {
				items, err := c.listRepairs(selected, 200)
				return renderRepairs(items), err
			})
			decisionsCh := fetch(func() (string, error) {
				items, err := c.listDecisions(selected, 200)
				return renderDecisions(items), err
			})

			views := []*tview.TextView{summaryView, playersView, attemptsView, broadcastsView, repairsView, decisionsView}
			results := []result{<-summaryCh, <-playersCh, <-attemptsCh, <-broadcastsCh, <-repairsCh, <-decisionsCh}

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedID {
					return
				}
				for i, res := range results {
					if res.err != nil {
						views[i].SetText(fmt.Sprintf("error: %v", res.err))
						continue
					}
					views[i].SetText(res.text)
				}
			})
		}(simID, version)
	}

	submitPrompt := func(line string) {
		agents, seed, err := parseStartInput(line)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		setStatusUI("Starting simulation...")
		promptInput.SetText("")
		go func() {
			sim, err := c.startSimulation(agents, seed)
			if err != nil {
				setStatusAsync("Failed to start simulation: " + err.Error())
				return
			}
			selectedID = sim.ID
			refreshSimulations()
			refreshDetailsAsync(selectedID)
			setStatusAsync(fmt.Sprintf("Simulation started: %s seed=%d", sim.ID, sim.Seed))
		}()
	}

	cancelSelected := func() {
		simID := selectedID
		if simID == "" {
			setStatusUI("No simulation selected")
			return
		}
		go func() {
			if err := c.cancelSimulation(simID); err != nil {
				setStatusAsync("Cancel failed: " + err.Error())
				return
			}
			setStatusAsync("Canceling " + simID)
			refreshSimulations()
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	simsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastSims) {
			return
		}
		selectedID = lastSims[row-1].ID
		refreshDetailsAsync(selectedID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshSimulations()
				refreshDetailsAsync(selectedID)
			}()
			setStatusUI("Refreshing")
			return nil
		case tcell.KeyCtrlK:
			cancelSelected()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(simsTable)
			setStatusUI("Focus -> simulations")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(simsTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshSimulations()
		for _, sim := range lastSims {
			if sim.Status == domain.SimulationStatusRunning {
				selectedID = sim.ID
				break
			}
		}
		refreshDetailsAsync(selectedID)

		for range ticker.C {
			refreshSimulations()
			if selectedID == "" && len(lastSims) > 0 {
				selectedID = lastSims[0].ID
			}
			refreshDetailsAsync(selectedID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedAgency(addr, agencyBinary, configPath, dbPath string) (*embeddedAgency, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", ":" + port, "--db", dbPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(agencyBinary) != "" {
		cmd = exec.Command(agencyBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			for _, name := range []string{"agency", "agency.exe"} {
				sibling := filepath.Join(filepath.Dir(self), name)
				if fileExists(sibling) {
					cmd = exec.Command(sibling, args...)
					break
				}
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/agency"}, args...)...)
		}
	}

	proc := &embeddedAgency{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agency process: %w", err)
	}
	return proc, nil
}

func (e *embeddedAgency) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
