package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/voicegate/internal/dotenv"
	"github.com/vango-go/voicegate/pkg/analysis"
	"github.com/vango-go/voicegate/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicegate/pkg/gateway/server"
	"github.com/vango-go/voicegate/pkg/record"
	"github.com/vango-go/voicegate/pkg/telephony"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildGateway func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(context.Context), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		buildGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildGateway stands up the durable side first (migrations, store),
// then the routing source, then the HTTP surface on top. The returned
// cleanup drains the recorder and analyzer backlogs.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(context.Context), error) {
	if err := record.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	store, err := record.NewPGStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var analyzer *analysis.Analyzer
	if cfg.AnalysisModel != "" {
		analyzer, err = analysis.New(ctx, cfg.GeminiAPIKey, cfg.AnalysisModel, store, analysis.Options{Logger: logger})
		if err != nil {
			logger.Warn("post-call analysis disabled", "error", err)
		}
	}

	recOpts := record.Options{
		Logger:      logger,
		RetryBudget: cfg.PersistRetryBudget,
	}
	if analyzer != nil {
		recOpts.OnFinalized = func(row record.FinalRow) {
			analyzer.Enqueue(row.CallID, row.Transcript)
		}
	}
	recorder := record.NewRecorder(store, recOpts)

	source := record.NewAgentSource(store.Pool(), logger, cfg.SnapshotReloadInterval)
	if err := source.Load(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load agents: %w", err)
	}
	go source.Run(ctx)

	dialer := telephony.NewDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.PublicHost, logger)

	gw := gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Agents:   source,
		Recorder: recorder,
		Dialer:   dialer,
	})

	cleanup := func(ctx context.Context) {
		if err := recorder.Close(ctx); err != nil {
			logger.Warn("recorder close", "error", err)
		}
		if analyzer != nil {
			analyzer.Close()
		}
		store.Close()
	}
	return gw, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildGateway == nil {
		return errors.New("missing buildGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	gw, cleanup, err := deps.buildGateway(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "carrier_path", cfg.CarrierPath)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		cleanup(context.Background())
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		cleanup(context.Background())
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	logger.Info("draining", "live_calls", gw.ActiveCalls())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cleanupCancel()
	cleanup(cleanupCtx)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voicegate: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
