package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"flowr_agency/internal/catalog"
	"flowr_agency/internal/chartscript"
	"flowr_agency/internal/domain"
	"flowr_agency/internal/simulation"
	"flowr_agency/internal/validate"
)

type compileOutput struct {
	CID       string   `json:"cid"`
	Nodes     []string `json:"nodes"`
	StatusURL string   `json:"status_url,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

func newCompileCmd(o *options) *cobra.Command {
	var cleanup, verify bool
	cmd := &cobra.Command{
		Use:   "compile [SCRIPT]",
		Short: "Build and run a chart from a script file (stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			c, cfg, err := o.client(cmd)
			if err != nil {
				return err
			}
			compiler, err := chartscript.NewCompiler(c, chartscript.Options{
				Validators:       cfg.Validators,
				CleanupOnFailure: cleanup,
				Verify:           verify,
				Logger:           o.logger(cmd),
			})
			if err != nil {
				return err
			}
			res, err := compiler.Compile(cmd.Context(), script)
			if err != nil {
				return err
			}
			out := compileOutput{CID: res.CID, Nodes: res.Nodes, StatusURL: res.StatusURL}
			for _, w := range res.Warnings {
				out.Warnings = append(out.Warnings, w.Error())
			}
			return o.print(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "delete the chart when a call fails")
	cmd.Flags().BoolVar(&verify, "verify", false, "read back parameters and variables after each node")
	return cmd
}

func newCatalogCmd(o *options) *cobra.Command {
	var nodesFile string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show the node types grouped by category and subcategory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.loadCatalog(cmd, nodesFile)
			if err != nil {
				return err
			}
			return o.print(cmd, c)
		},
	}
	cmd.Flags().StringVar(&nodesFile, "nodes-file", "", "read node types from a file, one per line, instead of the service")
	return cmd
}

type dealOutput struct {
	Seed  uint64                 `json:"seed"`
	Hands map[string]domain.Hand `json:"hands"`
}

func newDealCmd(o *options) *cobra.Command {
	var (
		nodesFile string
		agents    int
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "deal",
		Short: "Deal the catalog out to agents without touching any chart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.loadCatalog(cmd, nodesFile)
			if err != nil {
				return err
			}
			seed = pickSeed(seed)
			state := simulation.NewState(c, simulation.NewRand(seed))
			if err := state.Deal(agents); err != nil {
				return err
			}
			return o.print(cmd, dealOutput{Seed: seed, Hands: handsByName(state.Players)})
		},
	}
	cmd.Flags().StringVar(&nodesFile, "nodes-file", "", "read node types from a file, one per line, instead of the service")
	cmd.Flags().IntVar(&agents, "agents", 5, "number of hands")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}

type broadcastEvent struct {
	Round      int    `json:"round"`
	Agent      int    `json:"agent"`
	Node       string `json:"node"`
	Recipients []int  `json:"recipients"`
}

type broadcastOutput struct {
	Seed   uint64                 `json:"seed"`
	Events []broadcastEvent       `json:"events"`
	Hands  map[string]domain.Hand `json:"hands"`
}

func newBroadcastCmd(o *options) *cobra.Command {
	var (
		nodesFile string
		agents    int
		seed      uint64
		rounds    int
		untracked bool
	)
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Deal, then let every agent broadcast in turn",
		Long: "Deal, then let every agent broadcast in turn. By default an agent never " +
			"sends the same node twice and nobody receives a node it already holds; " +
			"the run stops when every hand has been shared. --untracked samples the " +
			"whole hand each time and appends to everyone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if untracked && rounds <= 0 {
				return fmt.Errorf("--untracked needs --rounds")
			}
			c, err := o.loadCatalog(cmd, nodesFile)
			if err != nil {
				return err
			}
			seed = pickSeed(seed)
			state := simulation.NewState(c, simulation.NewRand(seed))
			if err := state.Deal(agents); err != nil {
				return err
			}
			events, err := broadcastRounds(state, agents, rounds, untracked)
			if err != nil {
				return err
			}
			return o.print(cmd, broadcastOutput{Seed: seed, Events: events, Hands: handsByName(state.Players)})
		},
	}
	cmd.Flags().StringVar(&nodesFile, "nodes-file", "", "read node types from a file, one per line, instead of the service")
	cmd.Flags().IntVar(&agents, "agents", 5, "number of hands")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().IntVar(&rounds, "rounds", 0, "stop after this many rounds (0 runs until every hand is shared)")
	cmd.Flags().BoolVar(&untracked, "untracked", false, "allow repeats and duplicate deliveries")
	return cmd
}

// broadcastRounds lets agents 0..n-1 broadcast in order, one node each per
// round.
func broadcastRounds(state *simulation.State, agents, rounds int, untracked bool) ([]broadcastEvent, error) {
	var events []broadcastEvent
	for round := 1; rounds <= 0 || round <= rounds; round++ {
		sent := 0
		for agent := range agents {
			ev := broadcastEvent{Round: round, Agent: agent}
			if untracked {
				node, err := state.Broadcast(agent)
				if err != nil {
					return events, err
				}
				ev.Node = node
				for other := range agents {
					if other != agent {
						ev.Recipients = append(ev.Recipients, other)
					}
				}
			} else {
				node, recipients, err := state.BroadcastUnique(agent)
				if errors.Is(err, simulation.ErrNothingToBroadcast) {
					continue
				}
				if err != nil {
					return events, err
				}
				ev.Node, ev.Recipients = node, recipients
			}
			events = append(events, ev)
			sent++
		}
		if sent == 0 {
			break
		}
	}
	return events, nil
}

func newPurgeCmd(o *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every chart of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("purge deletes every chart of the account; pass --yes to confirm")
			}
			c, _, err := o.client(cmd)
			if err != nil {
				return err
			}
			results, err := c.PurgeUserCharts(cmd.Context())
			if perr := o.print(cmd, results); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newValidateCmd(o *options) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "validate TEST [ARGS...]",
		Short: "Run a named parameter validator",
		Long: "Run a named parameter validator. List arguments follow the candidate, " +
			"IntMinimizesTuplesLengths takes comma separated tuples and EachOne takes " +
			"the test name before the candidates.",
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				names := validate.Names()
				sort.Strings(names)
				return o.print(cmd, strings.Join(names, "\n"))
			}
			res, err := validate.Run(args[0], args[1:])
			if err != nil {
				return err
			}
			if err := o.print(cmd, res); err != nil {
				return err
			}
			if !res.Pass {
				return fmt.Errorf("%s failed: %s", args[0], res.Detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list validator names")
	return cmd
}

// loadCatalog builds the catalog from nodesFile when set, else from the
// service listing.
func (o *options) loadCatalog(cmd *cobra.Command, nodesFile string) (*catalog.Catalog, error) {
	var ids []string
	if nodesFile != "" {
		f, err := os.Open(nodesFile)
		if err != nil {
			return nil, fmt.Errorf("open nodes file: %w", err)
		}
		defer f.Close()
		ids, err = readLines(f)
		if err != nil {
			return nil, fmt.Errorf("read nodes file: %w", err)
		}
	} else {
		c, _, err := o.client(cmd)
		if err != nil {
			return nil, err
		}
		ids, err = c.ListAllNodes(cmd.Context())
		if err != nil {
			return nil, fmt.Errorf("list node types: %w", err)
		}
	}
	return catalog.Build(ids)
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read script: %w", err)
		}
		return string(raw), nil
	}
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read script from stdin: %w", err)
	}
	return string(raw), nil
}

func pickSeed(seed uint64) uint64 {
	if seed != 0 {
		return seed
	}
	return simulation.NewRand(0).Uint64() | 1
}

func handsByName(reg simulation.Registry) map[string]domain.Hand {
	out := make(map[string]domain.Hand, len(reg))
	for agent, hand := range reg {
		out[fmt.Sprintf("agent-%d", agent)] = hand
	}
	return out
}
