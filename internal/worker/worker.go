// Package worker consumes dispatched sync jobs, runs the matching provider,
// and materializes the results in the object store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gen-mind/EchoMind/internal/bus"
	"github.com/gen-mind/EchoMind/internal/connectors/registry"
	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/metrics"
	"github.com/gen-mind/EchoMind/internal/orchestrator"
	"github.com/gen-mind/EchoMind/internal/storage"
)

// jobTimeout bounds one sync run end to end.
const jobTimeout = 30 * time.Minute

// ConnectorStore is the slice of the datastore a sync run touches.
type ConnectorStore interface {
	MarkSyncing(ctx context.Context, id int64) (bool, error)
	FinishSync(ctx context.Context, id int64, status, statusMessage string, state []byte) error
	SaveState(ctx context.Context, id int64, state []byte) error
}

// ObjectStore persists and removes materialized documents.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Worker executes sync jobs from the dispatch stream.
type Worker struct {
	store    ConnectorStore
	objects  ObjectStore
	registry *registry.Registry
	log      *slog.Logger
}

func New(store ConnectorStore, objects ObjectStore, reg *registry.Registry) *Worker {
	return &Worker{
		store:    store,
		objects:  objects,
		registry: reg,
		log:      slog.With("component", "worker"),
	}
}

// Subscribe attaches the worker to the dispatch stream as part of a queue
// group, so multiple workers split the subject space.
func (w *Worker) Subscribe(b *bus.Bus, queue string) (*nats.Subscription, error) {
	return b.Subscribe(bus.SubjectRoot, queue, w.handleMessage)
}

func (w *Worker) handleMessage(msg *nats.Msg) {
	var job orchestrator.SyncJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.log.Error("dropping malformed sync job", "subject", msg.Subject, "err", err)
		_ = msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := w.RunJob(ctx, &job); err != nil {
		w.log.Error("sync job failed, requesting redelivery",
			"connector_id", job.ConnectorID, "session", job.ChunkingSession, "err", err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// RunJob executes one sync job. Provider failures are terminal for the run
// and recorded on the connector row; only infrastructure errors (datastore
// writes failing) return non-nil, which triggers redelivery.
func (w *Worker) RunJob(ctx context.Context, job *orchestrator.SyncJob) error {
	log := w.log.With("connector_id", job.ConnectorID, "type", job.Type, "session", job.ChunkingSession)

	claimed, err := w.store.MarkSyncing(ctx, job.ConnectorID)
	if err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	if !claimed {
		// Redelivered job whose run already started or finished.
		log.Warn("skipping job: connector is not pending")
		return nil
	}

	def, ok := w.registry.Get(job.Type)
	if !ok {
		metrics.SyncRunsTotal.WithLabelValues(job.Type, "error").Inc()
		return w.store.FinishSync(ctx, job.ConnectorID, db.StatusError,
			fmt.Sprintf("no provider registered for type %q", job.Type), job.State)
	}

	provider, err := def.NewProvider(job.Config)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(job.Type, "error").Inc()
		return w.store.FinishSync(ctx, job.ConnectorID, db.StatusError,
			fmt.Sprintf("invalid configuration: %v", err), job.State)
	}
	defer provider.Close()

	cp, err := provider.DecodeCheckpoint(job.State)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(job.Type, "error").Inc()
		return w.store.FinishSync(ctx, job.ConnectorID, db.StatusError,
			fmt.Sprintf("invalid checkpoint: %v", err), job.State)
	}

	started := time.Now()
	stored, removed := 0, 0

	syncErr := provider.Sync(ctx, cp, func(result registry.SyncResult) error {
		switch {
		case result.Item != nil:
			key := storage.ObjectKey(job.ConnectorID, result.Item.SourceID+extension(result.Item.MimeType))
			if _, err := w.objects.Put(ctx, key, result.Item.Content, result.Item.MimeType); err != nil {
				return fmt.Errorf("store %s: %w", key, err)
			}
			stored++
		case result.Deleted != nil:
			key := storage.ObjectKey(job.ConnectorID, result.Deleted.SourceID+extension(""))
			if err := w.objects.Delete(ctx, key); err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
			removed++
		}
		return nil
	})

	metrics.SyncRunDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

	state, err := json.Marshal(cp)
	if err != nil {
		state = job.State
	}

	if syncErr != nil {
		metrics.SyncRunsTotal.WithLabelValues(job.Type, "error").Inc()
		log.Error("sync run failed", "stored", stored, "removed", removed, "err", syncErr)
		return w.store.FinishSync(ctx, job.ConnectorID, db.StatusError, syncErr.Error(), state)
	}

	metrics.SyncRunsTotal.WithLabelValues(job.Type, "ok").Inc()
	log.Info("sync run complete", "stored", stored, "removed", removed,
		"duration", time.Since(started).Round(time.Millisecond))
	return w.store.FinishSync(ctx, job.ConnectorID, db.StatusActive,
		fmt.Sprintf("synced %d items, removed %d", stored, removed), state)
}

// extension maps a document mime type onto the object key suffix. Documents
// are markdown today; unknown types stay extensionless on the delete path so
// keys line up with what Put wrote.
func extension(mimeType string) string {
	switch mimeType {
	case "", "text/markdown":
		return ".md"
	default:
		return ""
	}
}
