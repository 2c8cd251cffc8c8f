// Package main implements the fhirflat CLI: ingestion of raw clinical data,
// flattening and unflattening of FHIR resources, validation, and an HTTP
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/engine"
	"github.com/globaldothealth/fhirflat/internal/config"
	"github.com/globaldothealth/fhirflat/pkg/logger"
)

// app carries the state shared by every command.
type app struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger.SetLevel(cfg.Level())
	a.cfg = cfg
	return nil
}

func (a *app) converter(ctx context.Context) (*engine.Converter, error) {
	return engine.New(ctx, a.cfg.Options()...)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "fhirflat",
		Short:             "Convert clinical data between FHIR and FHIRflat",
		Version:           fhirflat.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error, none")

	root.AddCommand(transformCmd(a))
	root.AddCommand(flattenCmd(a))
	root.AddCommand(unflattenCmd(a))
	root.AddCommand(validateCmd(a))
	root.AddCommand(serveCmd(a))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
