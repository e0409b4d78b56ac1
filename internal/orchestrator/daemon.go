// Package orchestrator runs the periodic check-and-trigger cycle that turns
// due connectors into dispatched sync jobs.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/gen-mind/EchoMind/internal/bus"
	"github.com/gen-mind/EchoMind/internal/config"
	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/health"
	"github.com/gen-mind/EchoMind/internal/metrics"
)

const cycleTimeout = 5 * time.Minute

// storeConn is the datastore dependency as the daemon sees it.
type storeConn interface {
	Store() ConnectorStore
	Close()
}

// queueConn is the message bus dependency.
type queueConn interface {
	Publisher
	Connected() bool
	NotifyStatus(fn func(connected bool))
	Close()
}

type pgConn struct {
	pool *pgxpool.Pool
}

func (c *pgConn) Store() ConnectorStore { return db.NewStore(c.pool) }
func (c *pgConn) Close()                { c.pool.Close() }

// Daemon owns the orchestrator's lifecycle: the health probe, both
// dependency connections with their reconnection loops, and the scheduler.
type Daemon struct {
	cfg config.Config
	log *slog.Logger

	health     *health.Server
	metricsSrv *http.Server
	cron       *cron.Cron

	dialStore func(ctx context.Context) (storeConn, error)
	dialQueue func() (queueConn, error)

	mu      sync.Mutex
	store   storeConn
	queue   queueConn
	service *Service

	retryCancel context.CancelFunc
	retryWG     sync.WaitGroup
	metricsStop context.CancelFunc
}

func NewDaemon(cfg config.Config) *Daemon {
	d := &Daemon{
		cfg: cfg,
		log: slog.With("component", "orchestrator"),
	}
	d.dialStore = func(ctx context.Context) (storeConn, error) {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &pgConn{pool: pool}, nil
	}
	d.dialQueue = func() (queueConn, error) {
		b, err := bus.Connect(cfg.NatsURL, cfg.NatsStream, "echomind-orchestrator")
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return d
}

// Start brings up the readiness probe first, then connects the datastore and
// the message bus independently. A failed connection spawns a background
// retry loop instead of aborting startup; the scheduler runs regardless.
func (d *Daemon) Start(ctx context.Context) error {
	d.health = health.NewServer(d.cfg.HealthAddr)
	go d.watchServer("health", d.health.Start())

	metricsCtx, metricsStop := context.WithCancel(context.Background())
	d.metricsStop = metricsStop
	var metricsErr <-chan error
	d.metricsSrv, metricsErr = metrics.StartServer(metricsCtx, d.cfg.MetricsAddr)
	go d.watchServer("metrics", metricsErr)

	retryCtx, retryCancel := context.WithCancel(context.Background())
	d.retryCancel = retryCancel

	if err := d.connectDB(ctx); err != nil {
		d.log.Warn("database unavailable, retrying in background", "err", err)
		d.spawnRetryLoop(retryCtx, "database", d.connectDB)
	}
	if err := d.connectBus(ctx); err != nil {
		d.log.Warn("message bus unavailable, retrying in background", "err", err)
		d.spawnRetryLoop(retryCtx, "bus", d.connectBus)
	}
	d.updateReadiness()

	d.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{d.log})))
	if _, err := d.cron.AddFunc("@every "+d.cfg.CheckInterval.String(), d.runCycle); err != nil {
		return fmt.Errorf("schedule check cycle: %w", err)
	}
	d.cron.Start()

	d.log.Info("orchestrator started",
		"check_interval", d.cfg.CheckInterval, "health_addr", d.cfg.HealthAddr)
	return nil
}

// Shutdown tears down in dependency order: stop reconnecting, stop the
// timer, flip readiness, then close the bus and the datastore, so in-flight
// health checks fail fast instead of hanging.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.retryCancel != nil {
		d.retryCancel()
	}
	d.retryWG.Wait()

	if d.cron != nil {
		stopped := d.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}

	if d.health != nil {
		d.health.SetReady(false)
	}

	d.mu.Lock()
	if d.queue != nil {
		d.queue.Close()
		d.queue = nil
	}
	if d.store != nil {
		d.store.Close()
		d.store = nil
	}
	d.mu.Unlock()

	if d.metricsStop != nil {
		d.metricsStop()
	}
	if d.health != nil {
		return d.health.Shutdown(ctx)
	}
	return nil
}

// TriggerManualSync exposes the manual dispatch path on a running daemon.
// While a dependency is down the caller gets the matching sentinel.
func (d *Daemon) TriggerManualSync(ctx context.Context, connectorID int64) (string, error) {
	svc := d.currentService()
	if svc == nil {
		if !d.dbConnected() {
			return "", fmt.Errorf("trigger connector %d: %w", connectorID, ErrDatabaseUnavailable)
		}
		return "", fmt.Errorf("trigger connector %d: %w", connectorID, ErrBusUnavailable)
	}
	return svc.TriggerManualSync(ctx, connectorID)
}

func (d *Daemon) runCycle() {
	svc := d.currentService()
	if svc == nil {
		d.log.Warn("skipping check cycle: dependencies not ready",
			"db_connected", d.dbConnected(), "bus_connected", d.busConnected())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	if _, err := svc.CheckAndTriggerSyncs(ctx); err != nil {
		d.log.Error("check cycle failed", "err", err)
	}
}

// currentService returns the dispatch service only when both dependencies
// are connected.
func (d *Daemon) currentService() *Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil || d.queue == nil || !d.queue.Connected() {
		return nil
	}
	return d.service
}

func (d *Daemon) dbConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store != nil
}

func (d *Daemon) busConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue != nil && d.queue.Connected()
}

func (d *Daemon) connectDB(ctx context.Context) error {
	conn, err := d.dialStore(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}

	d.mu.Lock()
	d.store = conn
	d.rebuildServiceLocked()
	d.mu.Unlock()

	metrics.DependencyUp.WithLabelValues("database").Set(1)
	d.log.Info("database connected")
	d.updateReadiness()
	return nil
}

func (d *Daemon) connectBus(ctx context.Context) error {
	q, err := d.dialQueue()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	q.NotifyStatus(d.onBusStatus)

	d.mu.Lock()
	d.queue = q
	d.rebuildServiceLocked()
	d.mu.Unlock()

	metrics.DependencyUp.WithLabelValues("bus").Set(1)
	d.log.Info("message bus connected", "url", d.cfg.NatsURL, "stream", d.cfg.NatsStream)
	d.updateReadiness()
	return nil
}

// onBusStatus keeps readiness honest across mid-life connection drops. The
// nats client reconnects on its own, so no retry loop is spawned here.
func (d *Daemon) onBusStatus(connected bool) {
	if connected {
		metrics.DependencyUp.WithLabelValues("bus").Set(1)
		d.log.Info("message bus reconnected")
	} else {
		metrics.DependencyUp.WithLabelValues("bus").Set(0)
		d.log.Warn("message bus connection lost")
	}
	d.updateReadiness()
}

func (d *Daemon) rebuildServiceLocked() {
	if d.store == nil || d.queue == nil {
		return
	}
	d.service = NewService(d.store.Store(), d.queue, d.cfg.MaxConcurrentTriggers)
}

// spawnRetryLoop retries one dependency on a fixed interval until it
// connects or shutdown cancels it.
func (d *Daemon) spawnRetryLoop(ctx context.Context, name string, connect func(context.Context) error) {
	metrics.DependencyUp.WithLabelValues(name).Set(0)

	d.retryWG.Add(1)
	go func() {
		defer d.retryWG.Done()

		ticker := time.NewTicker(d.cfg.ConnectRetryWait)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if err := connect(ctx); err != nil {
				metrics.ReconnectAttemptsTotal.WithLabelValues(name, "error").Inc()
				d.log.Warn("reconnect attempt failed", "dependency", name, "err", err)
				continue
			}
			metrics.ReconnectAttemptsTotal.WithLabelValues(name, "ok").Inc()
			return
		}
	}()
}

// watchServer surfaces a fatal listen error, such as a port already in use.
func (d *Daemon) watchServer(name string, errCh <-chan error) {
	if errCh == nil {
		return
	}
	if err := <-errCh; err != nil {
		d.log.Error("server failed", "server", name, "err", err)
	}
}

// updateReadiness recomputes readiness as db AND bus, after every connection
// state change.
func (d *Daemon) updateReadiness() {
	if d.health == nil {
		return
	}
	d.health.SetReady(d.dbConnected() && d.busConnected())
}

// cronLogger adapts slog to the scheduler's logger. Skipped overlapping runs
// surface as warnings.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Warn(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
