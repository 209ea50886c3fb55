package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"flowr_agency/internal/config"
	"flowr_agency/internal/flowr"
)

type options struct {
	configPath string
	endpoint   string
	token      string
	email      string
	timeout    time.Duration
	indent     bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "flowrctl",
		Short:         "Drive the FloWr web service from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.SortFlags = true
	flags.StringVar(&o.configPath, "config", "", "path to config.toml (default: ~/.flowr/config.toml)")
	flags.StringVar(&o.endpoint, "endpoint", "", "FloWr endpoint override")
	flags.StringVar(&o.token, "token", "", "API token override")
	flags.StringVar(&o.email, "email", "", "account email override")
	flags.DurationVar(&o.timeout, "timeout", 0, "per-request timeout override")
	flags.BoolVar(&o.indent, "indent", false, "always indent JSON output")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "log every request to stderr")

	root.AddCommand(apiCommands(o)...)
	root.AddCommand(
		newCompileCmd(o),
		newCatalogCmd(o),
		newDealCmd(o),
		newBroadcastCmd(o),
		newPurgeCmd(o),
		newValidateCmd(o),
	)
	return root
}

// loadConfig reads the config file and applies the command-line overrides.
func (o *options) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.Flowr.Endpoint = firstNonEmpty(o.endpoint, cfg.Flowr.Endpoint)
	cfg.Flowr.APIToken = firstNonEmpty(o.token, cfg.Flowr.APIToken)
	cfg.Flowr.APIEmail = firstNonEmpty(o.email, cfg.Flowr.APIEmail)
	if o.timeout > 0 {
		cfg.Flowr.TimeoutMS = int(o.timeout / time.Millisecond)
	}
	return cfg, nil
}

func (o *options) client(cmd *cobra.Command) (*flowr.Client, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	c, err := flowr.New(flowr.Config{
		Endpoint:          cfg.Flowr.Endpoint,
		Token:             cfg.Flowr.APIToken,
		Email:             cfg.Flowr.APIEmail,
		Timeout:           cfg.Flowr.Timeout(),
		RequestsPerSecond: cfg.Flowr.RequestsPerSecond,
		Burst:             cfg.Flowr.Burst,
		Logger:            o.logger(cmd),
	})
	if err != nil {
		return nil, config.Config{}, err
	}
	return c, cfg, nil
}

func (o *options) logger(cmd *cobra.Command) *log.Logger {
	if !o.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

// print writes plain strings as a line and everything else as JSON, indented
// when stdout is a terminal.
func (o *options) print(cmd *cobra.Command, v any) error {
	out := cmd.OutOrStdout()
	if s, ok := v.(string); ok {
		_, err := fmt.Fprintln(out, s)
		return err
	}
	enc := json.NewEncoder(out)
	if o.indent || isTerminal(out) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
