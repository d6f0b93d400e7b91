package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aalhour/tabletkv/internal/admin"
	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/config"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/memtrack"
	"github.com/aalhour/tabletkv/internal/metrics"
	"github.com/aalhour/tabletkv/internal/tablet"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	adminAddr string
	trace     bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background compaction over every tablet",
		Long: `Opens every tablet under the root directory, registers it with the
compaction manager and serves the admin HTTP API until interrupted.

The config file, if any, is re-read on every scheduling tick; policy
thresholds take effect on the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("admin-addr") {
				addr := opts.adminAddr
				if err := e.cfg.Update(func(c *config.Config) { c.Admin.Addr = addr }); err != nil {
					return err
				}
			}
			var traceOut io.Writer
			if opts.trace {
				traceOut = cmd.ErrOrStderr()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)
			e.logger.SetFatalHandler(func(msg string) {
				cancel(fmt.Errorf("%w: %s", logging.ErrFatal, msg))
			})

			s, err := newServer(e, traceOut)
			if err != nil {
				return err
			}
			if err := s.start(); err != nil {
				s.shutdown()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %d tablets from %s\n", len(s.tablets), e.root)

			<-ctx.Done()
			s.shutdown()
			if cause := context.Cause(ctx); errors.Is(cause, logging.ErrFatal) {
				return cause
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", "", "admin listen address; empty disables it (overrides admin.addr)")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "export compaction spans to stderr")
	return cmd
}

// server is one serve run: the open tablets, the manager and the admin API.
type server struct {
	env     *env
	tracing *tracing
	metrics *metrics.Collector
	manager *compaction.Manager
	admin   *admin.Server
	tablets []*tablet.Tablet
}

func newServer(e *env, traceOut io.Writer) (*server, error) {
	cfg := e.cfg.Load()
	if err := e.fs.MkdirAll(e.root, 0o755); err != nil {
		return nil, err
	}
	tr, err := newTracing(traceOut)
	if err != nil {
		return nil, err
	}
	s := &server{
		env:     e,
		tracing: tr,
		metrics: metrics.New(metrics.Options{ProcessCollectors: true}),
	}
	s.manager = compaction.NewManager(compaction.ManagerOptions{
		Config:   e.cfg,
		Logger:   e.logger,
		Observer: s.metrics,
		Tracer:   tr.Tracer(),
	})

	ids, err := tablet.ListIDs(e.fs, e.root)
	if err != nil {
		s.shutdown()
		return nil, err
	}
	tracker := memtrack.New("compaction", cfg.Compaction.MemoryLimitBytes)
	for _, id := range ids {
		opts := e.tabletOptions(id)
		opts.Tracker = tracker
		t, err := tablet.Open(opts)
		if err != nil {
			s.shutdown()
			return nil, fmt.Errorf("open tablet %d: %w", id, err)
		}
		s.tablets = append(s.tablets, t)
		s.manager.Register(t)
	}

	if addr := cfg.Admin.Addr; addr != "" {
		s.admin = admin.NewServer(admin.Options{
			Addr:     addr,
			Manager:  s.manager,
			Gatherer: s.metrics.Registry(),
			Logger:   e.logger,
		})
	}
	return s, nil
}

func (s *server) start() error {
	s.manager.Start()
	s.manager.Trigger()
	if s.admin != nil {
		return s.admin.Start()
	}
	return nil
}

// shutdown stops the admin API, waits for running compactions and closes
// every tablet. Safe to call on a partly built server.
func (s *server) shutdown() {
	logger := s.env.logger
	if s.admin != nil {
		if err := s.admin.Stop(); err != nil {
			logger.Warnf("%s%v", logging.NSAdmin, err)
		}
	}
	s.manager.Stop()
	for _, t := range s.tablets {
		if err := t.Close(); err != nil {
			logger.Warnf("%sclose tablet %d: %v", logging.NSTablet, t.ID(), err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.tracing.Shutdown(ctx); err != nil {
		logger.Warnf("%strace shutdown: %v", logging.NSManager, err)
	}
}
