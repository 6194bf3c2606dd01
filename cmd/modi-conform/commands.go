package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matindow/modi-api/internal/config"
	"github.com/matindow/modi-api/internal/contract"
	"github.com/matindow/modi-api/internal/depgraph"
	"github.com/matindow/modi-api/internal/fakeapi"
	"github.com/matindow/modi-api/internal/history"
	"github.com/matindow/modi-api/internal/resource"
	"github.com/matindow/modi-api/internal/runner"
	"github.com/matindow/modi-api/internal/scenario"
	"github.com/matindow/modi-api/internal/telemetry"
)

func loadCatalog(path string) (*resource.Catalog, error) {
	if path == "" {
		return resource.Default()
	}
	return resource.LoadFromFile(path)
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	flags := &selectionFlags{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the fixture creation and teardown order of every scenario",
		Long: `Resolve the dependency graph for every selected scenario without
contacting the target. A cycle in the catalog is reported as a
configuration error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, false, flags.apply)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			graph, err := depgraph.New(catalog)
			if err != nil {
				return err
			}
			if err := graph.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			defs := scenario.Filter(scenario.Generate(catalog), cfg.Scenarios.Resources, cfg.Scenarios.Operations)
			for _, def := range defs {
				plan, err := graph.Plan(def.Resource, def.Attach...)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "scenario: %s\n%s\n", def.ID, plan)
			}
			fmt.Fprintf(out, "%d scenarios\n", len(defs))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newListCommand(opts *rootOptions) *cobra.Command {
	flags := &selectionFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the contract operations and whether a scenario covers them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, false, flags.apply)
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			doc, err := contract.LoadFromFile(cmd.Context(), cfg.Contract.Path)
			if err != nil {
				return err
			}

			uncovered := make(map[string]bool)
			for _, op := range runner.Uncovered(catalog, doc) {
				uncovered[op] = true
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%s)\n\n", doc.Title(), doc.Version(), doc.Source())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OPERATION\tSTATUSES\tCOVERED")
			for _, op := range doc.Operations() {
				method, path, _ := strings.Cut(op, " ")
				covered := "yes"
				if uncovered[op] {
					covered = "no"
				}
				fmt.Fprintf(tw, "%s\t%v\t%s\n", op, doc.Statuses(method, path), covered)
			}
			return tw.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration, catalog and contract without running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, true, flags.apply)
			if err != nil {
				return err
			}
			engine, err := runner.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defs, err := engine.Scenarios()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration '%s' is valid.\n", cfg.Name)
			fmt.Fprintf(out, "  Target:     %s\n", cfg.Target.BaseURL)
			fmt.Fprintf(out, "  Contract:   %s %s\n", engine.Contract().Title(), engine.Contract().Version())
			fmt.Fprintf(out, "  Resources:  %d\n", engine.Catalog().Len())
			fmt.Fprintf(out, "  Scenarios:  %d\n", len(defs))
			for _, op := range engine.Uncovered() {
				fmt.Fprintf(out, "  ⚠ not covered: %s\n", op)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "base URL of the API under test (overrides config)")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tPASSED\tFAILED\tLEAKED\tTARGET")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Passed, r.Failed, r.ManualCleanup, r.Target)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the scenarios of one run and what regressed since the previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			regressions, err := store.Regressions(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			regressed := make(map[string]bool, len(regressions))
			for _, r := range regressions {
				regressed[r.ScenarioID] = true
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: %d passed, %d failed\n", run.ID, run.Passed, run.Failed)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCENARIO\tSTATE\tKINDS\t")
			for _, sc := range run.Scenarios {
				mark := ""
				if regressed[sc.ScenarioID] {
					mark = "regressed"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sc.ScenarioID, sc.State, sc.Kinds, mark)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func openHistory(opts *rootOptions) (*history.Store, error) {
	cfg, err := loadConfig(opts, false, nil)
	if err != nil {
		return nil, err
	}
	if cfg.History.Driver == "" {
		return nil, errors.New("history is not configured (history.driver)")
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return history.Open(cfg.History, log, cfg.Log.Level)
}

type serveFlags struct {
	addr     string
	catalog  string
	username string
	password string
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory MODI API that honors the contract",
		Long: `Serve an in-memory implementation of the catalog's resources, with basic
authentication, cascade creation and child listings. Useful to try the
engine or to develop against without a real deployment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, false, func(c *config.Config) {
				if flags.catalog != "" {
					c.Catalog.Path = flags.catalog
				}
			})
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			catalog, err := loadCatalog(cfg.Catalog.Path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serverOpts := []fakeapi.Option{
				fakeapi.WithCredentials(flags.username, flags.password),
				fakeapi.WithLogger(log),
			}
			tp, err := telemetry.Setup(ctx, cfg.Telemetry, version, log)
			if err != nil {
				return err
			}
			defer func() { _ = tp.Shutdown(context.Background()) }()
			if tp.Enabled() {
				serverOpts = append(serverOpts, fakeapi.WithTracerProvider(tp.TracerProvider()))
			}

			srv := fakeapi.New(catalog, serverOpts...)
			return serve(ctx, flags.addr, srv.Handler(), log)
		},
	}

	cmd.Flags().StringVar(&flags.addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&flags.catalog, "catalog", "", "resource catalog YAML (default: built-in)")
	cmd.Flags().StringVar(&flags.username, "username", "admin", "basic auth user")
	cmd.Flags().StringVar(&flags.password, "password", "admin", "basic auth password")
	return cmd
}

func serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
