// Command coordinatord is the PhotonX coordinator daemon: it wires the
// channel store, distributed lock, state machine, message pipeline,
// settlement driver, metrics, and background sweeps together and serves
// the operator admin and metrics endpoints, generalizing lnd's own
// daemon entrypoint wiring (lnd.go) into this system's component graph.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/photonx/coordinator/internal/adminapi"
	"github.com/photonx/coordinator/internal/clog"
	"github.com/photonx/coordinator/internal/codec"
	"github.com/photonx/coordinator/internal/config"
	"github.com/photonx/coordinator/internal/healthmon"
	"github.com/photonx/coordinator/internal/metrics"
	"github.com/photonx/coordinator/internal/pipeline"
	"github.com/photonx/coordinator/internal/settlement"
	"github.com/photonx/coordinator/internal/settlement/submitter"
	"github.com/photonx/coordinator/internal/statemachine"
	"github.com/photonx/coordinator/internal/store"
	"github.com/photonx/coordinator/internal/store/boltstore"
	"github.com/photonx/coordinator/internal/store/distlock"
	"github.com/photonx/coordinator/internal/store/sqlstore"
	"github.com/photonx/coordinator/internal/timer"
)

var log = clog.SubLogger(clog.SubsystemMain)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[coordinatord] %v\n", err)
	os.Exit(1)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fatal(err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		fatal(fmt.Errorf("create log dir: %w", err))
	}
	if err := clog.InitLogRotator(filepath.Join(cfg.LogDir, "coordinatord.log"), 10*1024, 3); err != nil {
		fatal(fmt.Errorf("init log rotator: %w", err))
	}
	if level, ok := btclog.LevelFromString(cfg.DebugLevel); ok {
		clog.SetLevel(level)
	}

	if err := run(cfg); err != nil {
		log.Errorf("coordinatord exiting with error: %v", err)
		fatal(err)
	}
}

func run(cfg *config.Config) error {
	backend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open store backend: %w", err)
	}
	defer backend.Close()

	lock, lockCloser, err := openLock(cfg)
	if err != nil {
		return fmt.Errorf("open distributed lock: %w", err)
	}
	if lockCloser != nil {
		defer lockCloser()
	}

	verifyingContract, err := codec.ParseAddress(cfg.VerifyingContract)
	if err != nil {
		return fmt.Errorf("parse verifyingcontract: %w", err)
	}
	domain := codec.Domain{
		Name:              codec.DefaultDomainName,
		Version:           codec.DefaultDomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: verifyingContract,
	}

	sm := statemachine.New(backend, domain, cfg.ChannelTimeoutFloor, cfg.MessageSkewWindow, cfg.PricePrecision)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	broadcaster := pipeline.NewFanOut()
	pipe := pipeline.New(sm, lock, broadcaster, pipeline.Config{
		Domain:            domain,
		LockTTL:           cfg.LockTTL,
		InboundQueueDepth: cfg.InboundQueueDepth,
		WorkerPoolSize:    cfg.WorkerPoolSize,
		MaxSlippageBps:    cfg.MaxSlippageBps,
		MaxFeeBps:         cfg.MaxFeeBps,
	}, metricsReg)
	_ = pipe // accepted inbound messages are submitted via pipe.Submit by the (out of scope) transport layer

	var submitClient submitter.Client
	if cfg.SubmitterAddr != "" {
		c, err := submitter.Dial(cfg.SubmitterAddr, submitter.DialOptions{Insecure: true})
		if err != nil {
			return fmt.Errorf("dial submitter: %w", err)
		}
		defer c.Close()
		submitClient = c
	} else {
		log.Warnf("no submitteraddr configured; settlement submissions will fail")
		submitClient = noopSubmitter{}
	}

	settler := settlement.New(sm, backend, submitClient, settlement.Config{
		Domain:               domain,
		CheckpointBatchCount: cfg.CheckpointBatchCount,
		CheckpointBatchAge:   cfg.CheckpointBatchAge,
		SubmissionRetryCap:   cfg.SubmissionRetryCap,
	}, metricsReg)
	defer settler.Close()

	sweeper := timer.New(sm, backend, cfg.TimeoutSweepInterval, cfg.DisputeWindow)
	sweeper.Start()
	defer sweeper.Stop()

	monitor := healthmon.New(healthmon.Config{
		Interval: cfg.HealthCheckInterval,
		Attempts: cfg.HealthCheckAttempts,
		Backoff:  cfg.HealthCheckBackoff,
		Timeout:  cfg.HealthCheckTimeout,
	}, backend, func() {
		log.Criticalf("store health check failed repeatedly; operator intervention required")
	})
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	defer monitor.Stop()

	admin := adminapi.New(sm, settler)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("admin server: %v", err)
		}
	}()
	defer shutdownHTTP(adminSrv)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(reg))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()
	defer shutdownHTTP(metricsSrv)

	log.Infof("coordinatord started: admin=%s metrics=%s store=%s", cfg.AdminAddr, cfg.MetricsAddr, cfg.StoreBackend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Infof("coordinatord shutting down")
	return nil
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case "bolt":
		return boltstore.Open(cfg.DataDir)
	case "postgres":
		return sqlstore.NewPostgres(context.Background(), cfg.PostgresDSN)
	case "sqlite":
		return sqlstore.NewSQLite(context.Background(), cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storebackend %q", cfg.StoreBackend)
	}
}

func openLock(cfg *config.Config) (store.DistLock, func(), error) {
	if len(cfg.EtcdEndpoints) == 0 {
		return distlock.NewMemory(), nil, nil
	}
	e, err := distlock.NewEtcd(cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return e, func() { e.Close() }, nil
}

// noopSubmitter lets the daemon start without a configured submitter
// address, failing settlement submissions loudly instead of refusing to
// boot.
type noopSubmitter struct{}

func (noopSubmitter) SubmitCheckpointBatch(context.Context, submitter.CheckpointBatchRequest) (*submitter.Receipt, error) {
	return nil, fmt.Errorf("submitter: no submitteraddr configured")
}

func (noopSubmitter) SubmitFinalState(context.Context, submitter.FinalStateRequest) (*submitter.Receipt, error) {
	return nil, fmt.Errorf("submitter: no submitteraddr configured")
}

func (noopSubmitter) Receipts() <-chan submitter.SubmissionReceipt {
	return nil
}

func (noopSubmitter) Close() error { return nil }
