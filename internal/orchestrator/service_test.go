package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gen-mind/EchoMind/internal/db"
)

type fakeStore struct {
	mu         sync.Mutex
	connectors map[int64]*db.Connector
}

func newFakeStore(connectors ...db.Connector) *fakeStore {
	s := &fakeStore{connectors: make(map[int64]*db.Connector)}
	for i := range connectors {
		c := connectors[i]
		s.connectors[c.ID] = &c
	}
	return s
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (db.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return db.Connector{}, db.ErrConnectorNotFound
	}
	return *c, nil
}

func (s *fakeStore) due(c *db.Connector) bool {
	switch c.Status {
	case db.StatusPending, db.StatusSyncing, db.StatusDisabled:
		return false
	}
	return c.LastSyncAt == nil || time.Since(*c.LastSyncAt) >= c.RefreshInterval
}

func (s *fakeStore) DueForSync(ctx context.Context) ([]db.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Connector
	for _, c := range s.connectors {
		if s.due(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ClaimForSync(ctx context.Context, id int64, statusMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return false, nil
	}
	switch c.Status {
	case db.StatusPending, db.StatusSyncing, db.StatusDisabled:
		return false, nil
	}
	c.Status = db.StatusPending
	c.StatusMessage = statusMessage
	return true, nil
}

func (s *fakeStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, c := range s.connectors {
		out[c.Status]++
	}
	return out, nil
}

func (s *fakeStore) CountDue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.connectors {
		if s.due(c) {
			n++
		}
	}
	return n, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	failFor  map[int64]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	var job SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[job.ConnectorID] {
		return errors.New("nats: connection closed")
	}
	p.messages[subject] = append(p.messages[subject], data)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msgs := range p.messages {
		n += len(msgs)
	}
	return n
}

func staleConnector(id int64, typ string) db.Connector {
	last := time.Now().Add(-2 * time.Hour)
	return db.Connector{
		ID:              id,
		Type:            typ,
		UserID:          7,
		Scope:           "user",
		Config:          []byte(`{"user_email":"owner@example.com"}`),
		State:           []byte(`{}`),
		Status:          db.StatusActive,
		LastSyncAt:      &last,
		RefreshInterval: time.Hour,
	}
}

func TestCheckAndTriggerDispatchesOncePerConnector(t *testing.T) {
	store := newFakeStore(
		staleConnector(1, "web"),
		staleConnector(2, "gmail"),
		staleConnector(3, "google_drive"),
	)
	pub := newFakePublisher()
	svc := NewService(store, pub, 4)

	n, err := svc.CheckAndTriggerSyncs(context.Background())
	if err != nil {
		t.Fatalf("CheckAndTriggerSyncs: %v", err)
	}
	if n != 3 {
		t.Fatalf("triggered = %d, want 3", n)
	}
	if pub.count() != 3 {
		t.Fatalf("published = %d, want 3", pub.count())
	}

	// Every claimed connector is now pending, so a second immediate cycle
	// dispatches nothing.
	n, err = svc.CheckAndTriggerSyncs(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("second cycle triggered = %d, want 0", n)
	}
	if pub.count() != 3 {
		t.Fatalf("published after second cycle = %d, want 3", pub.count())
	}
}

func TestDispatchSubjectAndPayload(t *testing.T) {
	store := newFakeStore(staleConnector(1, "web"))
	pub := newFakePublisher()
	svc := NewService(store, pub, 1)
	svc.newSessionID = func() string { return "11111111-2222-3333-4444-555555555555" }

	if _, err := svc.CheckAndTriggerSyncs(context.Background()); err != nil {
		t.Fatalf("CheckAndTriggerSyncs: %v", err)
	}

	msgs := pub.messages["connector.sync.web"]
	if len(msgs) != 1 {
		t.Fatalf("messages on connector.sync.web = %d, want 1", len(msgs))
	}

	var job SyncJob
	if err := json.Unmarshal(msgs[0], &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ConnectorID != 1 || job.Type != "web" || job.UserID != 7 {
		t.Fatalf("job = %+v", job)
	}
	if job.ChunkingSession != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("ChunkingSession = %q", job.ChunkingSession)
	}
	if job.TriggeredAt.Location() != time.UTC {
		t.Fatalf("TriggeredAt not UTC: %v", job.TriggeredAt)
	}

	c, _ := store.GetByID(context.Background(), 1)
	if c.Status != db.StatusPending {
		t.Fatalf("status = %q, want pending", c.Status)
	}
	if !strings.Contains(c.StatusMessage, job.ChunkingSession) {
		t.Fatalf("status message %q missing session id", c.StatusMessage)
	}
}

func TestUnknownTypeIsSkippedNotFatal(t *testing.T) {
	store := newFakeStore(
		staleConnector(1, "fax_machine"),
		staleConnector(2, "gmail"),
	)
	pub := newFakePublisher()
	svc := NewService(store, pub, 2)

	n, err := svc.CheckAndTriggerSyncs(context.Background())
	if err != nil {
		t.Fatalf("CheckAndTriggerSyncs: %v", err)
	}
	if n != 1 {
		t.Fatalf("triggered = %d, want only the gmail connector", n)
	}

	// The unknown connector was not claimed and stays eligible.
	c, _ := store.GetByID(context.Background(), 1)
	if c.Status != db.StatusActive {
		t.Fatalf("unknown-type status = %q, want untouched", c.Status)
	}
}

func TestPublishFailureDoesNotBlockBatch(t *testing.T) {
	store := newFakeStore(
		staleConnector(1, "web"),
		staleConnector(2, "gmail"),
		staleConnector(3, "teams"),
	)
	pub := newFakePublisher()
	pub.failFor = map[int64]bool{2: true}
	svc := NewService(store, pub, 1)

	n, err := svc.CheckAndTriggerSyncs(context.Background())
	if err != nil {
		t.Fatalf("CheckAndTriggerSyncs: %v", err)
	}
	if n != 2 {
		t.Fatalf("triggered = %d, want 2", n)
	}
	if pub.count() != 2 {
		t.Fatalf("published = %d, want 2", pub.count())
	}
}

func TestTriggerManualSync(t *testing.T) {
	store := newFakeStore(staleConnector(5, "gmail"))
	pub := newFakePublisher()
	svc := NewService(store, pub, 1)

	session, err := svc.TriggerManualSync(context.Background(), 5)
	if err != nil {
		t.Fatalf("TriggerManualSync: %v", err)
	}
	if session == "" {
		t.Fatal("expected a session id")
	}
	if len(pub.messages["connector.sync.gmail"]) != 1 {
		t.Fatal("expected one dispatched job")
	}
}

func TestTriggerManualSyncTypedErrors(t *testing.T) {
	fresh := staleConnector(2, "gmail")
	fresh.Status = db.StatusSyncing
	disabled := staleConnector(3, "gmail")
	disabled.Status = db.StatusDisabled
	unknown := staleConnector(4, "fax_machine")

	store := newFakeStore(fresh, disabled, unknown)
	svc := NewService(store, newFakePublisher(), 1)
	ctx := context.Background()

	var nfErr *ConnectorNotFoundError
	if _, err := svc.TriggerManualSync(ctx, 99); !errors.As(err, &nfErr) {
		t.Fatalf("missing connector: err = %v", err)
	}

	var trigErr *SyncTriggerError
	if _, err := svc.TriggerManualSync(ctx, 2); !errors.As(err, &trigErr) {
		t.Fatalf("syncing connector: err = %v", err)
	}
	if _, err := svc.TriggerManualSync(ctx, 3); !errors.As(err, &trigErr) {
		t.Fatalf("disabled connector: err = %v", err)
	}
	if _, err := svc.TriggerManualSync(ctx, 4); !errors.As(err, &trigErr) {
		t.Fatalf("unknown type: err = %v", err)
	}
}

func TestSyncStats(t *testing.T) {
	syncing := staleConnector(2, "web")
	syncing.Status = db.StatusSyncing

	store := newFakeStore(staleConnector(1, "gmail"), syncing)
	svc := NewService(store, newFakePublisher(), 1)

	stats, err := svc.SyncStats(context.Background())
	if err != nil {
		t.Fatalf("SyncStats: %v", err)
	}
	if stats.ByStatus[db.StatusActive] != 1 || stats.ByStatus[db.StatusSyncing] != 1 {
		t.Fatalf("ByStatus = %v", stats.ByStatus)
	}
	if stats.Due != 1 {
		t.Fatalf("Due = %d, want 1", stats.Due)
	}
}
