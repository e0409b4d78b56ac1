package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gen-mind/EchoMind/internal/db"
	"github.com/gen-mind/EchoMind/internal/metrics"
)

// SubjectPrefix is the subject space sync jobs are dispatched under, one
// subject per source type.
const SubjectPrefix = "connector.sync."

// knownTypes are the source types a dispatch subject exists for. A connector
// with any other type is skipped with a per-connector error.
var knownTypes = map[string]bool{
	"web":          true,
	"file":         true,
	"onedrive":     true,
	"google_drive": true,
	"teams":        true,
	"gmail":        true,
}

// SyncJob is the immutable dispatch payload. ChunkingSession identifies one
// sync attempt; consumers de-duplicate on it under at-least-once delivery.
type SyncJob struct {
	ConnectorID     int64           `json:"connector_id"`
	Type            string          `json:"type"`
	UserID          int64           `json:"user_id"`
	Scope           string          `json:"scope"`
	ScopeID         int64           `json:"scope_id"`
	Config          json.RawMessage `json:"config"`
	State           json.RawMessage `json:"state"`
	ChunkingSession string          `json:"chunking_session"`
	TriggeredAt     time.Time       `json:"triggered_at"`
}

// Subject returns the dispatch subject for the job's source type.
func (j *SyncJob) Subject() string {
	return SubjectPrefix + j.Type
}

// ConnectorStore is the slice of the datastore the dispatch path needs.
type ConnectorStore interface {
	GetByID(ctx context.Context, id int64) (db.Connector, error)
	DueForSync(ctx context.Context) ([]db.Connector, error)
	ClaimForSync(ctx context.Context, id int64, statusMessage string) (bool, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
	CountDue(ctx context.Context) (int, error)
}

// Publisher publishes one message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Service decides who is due and dispatches exactly one job per due
// connector per cycle.
type Service struct {
	store       ConnectorStore
	publisher   Publisher
	maxParallel int
	log         *slog.Logger

	newSessionID func() string
	now          func() time.Time
}

func NewService(store ConnectorStore, publisher Publisher, maxParallel int) *Service {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Service{
		store:        store,
		publisher:    publisher,
		maxParallel:  maxParallel,
		log:          slog.With("component", "orchestrator"),
		newSessionID: uuid.NewString,
		now:          time.Now,
	}
}

// CheckAndTriggerSyncs claims and dispatches every due connector. One
// connector's failure never blocks the rest of the batch. Returns how many
// syncs were triggered.
func (s *Service) CheckAndTriggerSyncs(ctx context.Context) (int, error) {
	started := s.now()
	defer func() {
		metrics.CheckCycleDuration.Observe(s.now().Sub(started).Seconds())
	}()

	due, err := s.store.DueForSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("list due connectors: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var triggered atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)

	for _, c := range due {
		g.Go(func() error {
			ok, err := s.triggerSync(ctx, c)
			if err != nil {
				s.log.Error("sync trigger failed",
					"connector_id", c.ID, "type", c.Type, "err", err)
				metrics.SyncTriggersTotal.WithLabelValues(c.Type, "error").Inc()
				return nil
			}
			if ok {
				triggered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := triggered.Load(); n > 0 {
		s.log.Info("sync cycle complete", "due", len(due), "triggered", n)
	}
	return int(triggered.Load()), nil
}

// TriggerManualSync dispatches one connector outside the scheduled cycle.
// Returns the sync session id of the dispatched job.
func (s *Service) TriggerManualSync(ctx context.Context, connectorID int64) (string, error) {
	c, err := s.store.GetByID(ctx, connectorID)
	if err != nil {
		if errors.Is(err, db.ErrConnectorNotFound) {
			return "", &ConnectorNotFoundError{ConnectorID: connectorID}
		}
		return "", fmt.Errorf("load connector %d: %w", connectorID, err)
	}

	switch c.Status {
	case db.StatusPending, db.StatusSyncing:
		return "", &SyncTriggerError{ConnectorID: connectorID, Reason: "sync already in progress"}
	case db.StatusDisabled:
		return "", &SyncTriggerError{ConnectorID: connectorID, Reason: "connector is disabled"}
	}

	job, claimed, err := s.dispatch(ctx, c)
	if err != nil {
		metrics.SyncTriggersTotal.WithLabelValues(c.Type, "error").Inc()
		return "", err
	}
	if !claimed {
		return "", &SyncTriggerError{ConnectorID: connectorID, Reason: "sync already in progress"}
	}
	return job.ChunkingSession, nil
}

// triggerSync claims and dispatches one due connector. Returns false without
// error when another orchestrator claimed the row first.
func (s *Service) triggerSync(ctx context.Context, c db.Connector) (bool, error) {
	_, claimed, err := s.dispatch(ctx, c)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Service) dispatch(ctx context.Context, c db.Connector) (*SyncJob, bool, error) {
	if !knownTypes[c.Type] {
		return nil, false, &SyncTriggerError{ConnectorID: c.ID, Reason: fmt.Sprintf("unknown source type %q", c.Type)}
	}

	session := s.newSessionID()

	// The status predicate in the claim is the mutex: losing the race means
	// someone else dispatched this connector.
	claimed, err := s.store.ClaimForSync(ctx, c.ID, "sync session "+session)
	if err != nil {
		return nil, false, fmt.Errorf("claim connector %d: %w", c.ID, err)
	}
	if !claimed {
		return nil, false, nil
	}

	job := &SyncJob{
		ConnectorID:     c.ID,
		Type:            c.Type,
		UserID:          c.UserID,
		Scope:           c.Scope,
		ScopeID:         c.ScopeID,
		Config:          c.Config,
		State:           c.State,
		ChunkingSession: session,
		TriggeredAt:     s.now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, false, &SyncTriggerError{ConnectorID: c.ID, Reason: fmt.Sprintf("encode job: %v", err)}
	}

	if err := s.publisher.Publish(ctx, job.Subject(), payload); err != nil {
		return nil, false, &SyncTriggerError{ConnectorID: c.ID, Reason: fmt.Sprintf("publish to %s: %v", job.Subject(), err)}
	}

	metrics.SyncTriggersTotal.WithLabelValues(c.Type, "ok").Inc()
	s.log.Info("sync triggered",
		"connector_id", c.ID, "type", c.Type, "session", session, "subject", job.Subject())
	return job, true, nil
}

// Stats is a point-in-time summary of connector sync state.
type Stats struct {
	ByStatus map[string]int `json:"by_status"`
	Due      int            `json:"due"`
}

// SyncStats reports connector counts by status plus how many are due now.
func (s *Service) SyncStats(ctx context.Context) (Stats, error) {
	byStatus, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	due, err := s.store.CountDue(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count due: %w", err)
	}
	return Stats{ByStatus: byStatus, Due: due}, nil
}
