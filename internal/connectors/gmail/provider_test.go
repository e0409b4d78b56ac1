package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gen-mind/EchoMind/internal/connectors/registry"
)

// fakeGmail serves the subset of the Gmail API the provider touches, plus the
// OAuth token endpoint.
type fakeGmail struct {
	t  *testing.T
	mu sync.Mutex

	profileHistoryID string
	threadPages      map[string]string // pageToken -> listing JSON
	threads          map[string]string // threadID -> thread JSON
	threadStatus     map[string]int
	historyPages     map[string]string // pageToken -> history JSON
	historyStatus    int

	paths []string
}

func (f *fakeGmail) record(r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()
}

func (f *fakeGmail) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.paths {
		if p == path {
			n++
		}
	}
	return n
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			f.t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"emailAddress":"owner@example.com","historyId":"` + f.profileHistoryID + `"}`))
	})
	mux.HandleFunc("/users/me/threads", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		page, ok := f.threadPages[r.URL.Query().Get("pageToken")]
		if !ok {
			f.t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/users/me/threads/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		id := strings.TrimPrefix(r.URL.Path, "/users/me/threads/")
		if status, ok := f.threadStatus[id]; ok {
			http.Error(w, "boom", status)
			return
		}
		body, ok := f.threads[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if f.historyStatus != 0 {
			http.Error(w, "history expired", f.historyStatus)
			return
		}
		page, ok := f.historyPages[r.URL.Query().Get("pageToken")]
		if !ok {
			f.t.Errorf("unexpected history pageToken %q", r.URL.Query().Get("pageToken"))
			http.Error(w, "bad token", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(page))
	})
	return mux
}

func threadJSON(t *testing.T, id, subject, body string) string {
	t.Helper()
	th := thread{ID: id, Messages: []message{
		plainMessage(subject, "alice@example.com", "owner@example.com", "Thu, 27 Aug 2026 09:00:00 +0000", body),
	}}
	raw, err := json.Marshal(th)
	if err != nil {
		t.Fatalf("marshal thread: %v", err)
	}
	return string(raw)
}

func newTestProvider(t *testing.T, fake *fakeGmail) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := Config{
		UserEmail: "owner@example.com",
		BaseURL:   srv.URL,
		TokenURL:  srv.URL + "/token",
	}
	cfg.ClientID = "cid"
	cfg.ClientSecret = "secret"
	cfg.RefreshToken = "refresh-1"
	return NewProvider(cfg), srv
}

func runSync(t *testing.T, p *Provider, cp *Checkpoint) []registry.SyncResult {
	t.Helper()
	var results []registry.SyncResult
	err := p.Sync(context.Background(), cp, func(result registry.SyncResult) error {
		results = append(results, result)
		return nil
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return results
}

func TestFullSyncCapturesHistoryMarker(t *testing.T) {
	fake := &fakeGmail{
		t:                t,
		profileHistoryID: "100",
		threadPages: map[string]string{
			"": `{"threads":[{"id":"t1","snippet":"Launch plan"},{"id":"t2","snippet":"Standup notes"}],"nextPageToken":"p2"}`,
			"p2": `{"threads":[{"id":"t3","snippet":"Q3 numbers"}]}`,
		},
		threads: map[string]string{
			"t1": threadJSON(t, "t1", "Launch plan", "Draft attached."),
			"t2": threadJSON(t, "t2", "Standup notes", "All green."),
			"t3": threadJSON(t, "t3", "Q3 numbers", "Revenue up."),
		},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{}
	results := runSync(t, p, cp)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	first := results[0].Item
	if first == nil {
		t.Fatal("first result has no item")
	}
	if first.Name != "launch-plan.md" {
		t.Errorf("Name = %q", first.Name)
	}
	if first.MimeType != "text/markdown" {
		t.Errorf("MimeType = %q", first.MimeType)
	}
	if len(first.ContentHash) != 32 {
		t.Errorf("ContentHash = %q, want md5 hex", first.ContentHash)
	}
	if len(first.Access.UserEmails) != 1 || first.Access.UserEmails[0] != "owner@example.com" {
		t.Errorf("Access = %+v, want mailbox owner only", first.Access)
	}
	if !strings.Contains(first.OriginalURL, "t1") {
		t.Errorf("OriginalURL = %q", first.OriginalURL)
	}

	if cp.HistoryID != "100" {
		t.Errorf("HistoryID = %q, want marker from profile", cp.HistoryID)
	}
	if cp.HasMore || cp.PageToken != "" {
		t.Errorf("checkpoint = %+v, want drained cursor", cp)
	}
	if cp.Retrieved != nil {
		t.Errorf("Retrieved = %v, want cleared after full enumeration", cp.Retrieved)
	}
}

func TestIncrementalSyncAdvancesMarker(t *testing.T) {
	fake := &fakeGmail{
		t: t,
		historyPages: map[string]string{
			"": `{"history":[{"messagesAdded":[{"message":{"threadId":"t5"}}],"labelsRemoved":[{"message":{"threadId":"t6"}}]}],"historyId":"200","nextPageToken":"h2"}`,
			// t5 repeats on the second page; one download, not two.
			"h2": `{"history":[{"messagesDeleted":[{"message":{"threadId":"t5"}}]}],"historyId":"210"}`,
		},
		threads: map[string]string{
			"t5": threadJSON(t, "t5", "New thread", "Fresh mail."),
			"t6": threadJSON(t, "t6", "Archived thread", "Label gone."),
		},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{HistoryID: "100"}
	results := runSync(t, p, cp)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if got := fake.calls("/users/me/history"); got != 2 {
		t.Errorf("history calls = %d, want both pages fetched", got)
	}
	if cp.HistoryID != "210" {
		t.Errorf("HistoryID = %q, want advanced marker", cp.HistoryID)
	}
	if fake.calls("/users/me/profile") != 0 {
		t.Error("incremental sync should not fetch the profile")
	}
	if fake.calls("/users/me/threads") != 0 {
		t.Error("incremental sync should not list threads")
	}
}

func TestExpiredMarkerFallsBackToFullEnumeration(t *testing.T) {
	fake := &fakeGmail{
		t:                t,
		profileHistoryID: "300",
		historyStatus:    http.StatusNotFound,
		threadPages: map[string]string{
			"": `{"threads":[{"id":"t1","snippet":"Launch plan"}]}`,
		},
		threads: map[string]string{
			"t1": threadJSON(t, "t1", "Launch plan", "Draft attached."),
		},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{HistoryID: "100"}
	results := runSync(t, p, cp)

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if cp.HistoryID != "300" {
		t.Errorf("HistoryID = %q, want fresh marker from profile", cp.HistoryID)
	}
}

func TestEnumerationCapTruncatesRun(t *testing.T) {
	fake := &fakeGmail{
		t:                t,
		profileHistoryID: "100",
		threadPages: map[string]string{
			"": `{"threads":[{"id":"t1","snippet":"One"},{"id":"t2","snippet":"Two"}],"nextPageToken":"p2"}`,
		},
		threads: map[string]string{
			"t1": threadJSON(t, "t1", "One", "First."),
			"t2": threadJSON(t, "t2", "Two", "Second."),
		},
	}
	p, _ := newTestProvider(t, fake)
	p.maxThreads = 2

	cp := &Checkpoint{}
	results := runSync(t, p, cp)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !cp.HasMore {
		t.Error("HasMore should be set when the cap truncates the run")
	}
	if cp.PageToken != "p2" {
		t.Errorf("PageToken = %q, want cursor of the unfetched page", cp.PageToken)
	}
	if cp.HistoryID != "100" {
		t.Errorf("HistoryID = %q, want marker captured before listing", cp.HistoryID)
	}
	if got := fake.calls("/users/me/threads"); got != 1 {
		t.Errorf("thread listing calls = %d, want the cap to stop paging", got)
	}
}

func TestTruncatedEnumerationResumesFromCursor(t *testing.T) {
	fake := &fakeGmail{
		t: t,
		threadPages: map[string]string{
			"p2": `{"threads":[{"id":"t9","snippet":"Leftover"}]}`,
		},
		threads: map[string]string{
			"t9": threadJSON(t, "t9", "Leftover", "Tail of the mailbox."),
		},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{HistoryID: "100", HasMore: true, PageToken: "p2"}
	results := runSync(t, p, cp)

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if fake.calls("/users/me/history") != 0 {
		t.Error("truncated enumeration must resume listing, not go incremental")
	}
	if fake.calls("/users/me/profile") != 0 {
		t.Error("resume must keep the original history marker")
	}
	if cp.HasMore {
		t.Error("HasMore should clear once the cursor drains")
	}
	if cp.HistoryID != "100" {
		t.Errorf("HistoryID = %q, want original marker kept", cp.HistoryID)
	}
}

func TestDownloadErrorDoesNotAbortRun(t *testing.T) {
	fake := &fakeGmail{
		t:                t,
		profileHistoryID: "100",
		threadPages: map[string]string{
			"": `{"threads":[{"id":"t1","snippet":"Broken"},{"id":"t2","snippet":"Fine"}]}`,
		},
		threads: map[string]string{
			"t2": threadJSON(t, "t2", "Fine", "Still here."),
		},
		threadStatus: map[string]int{"t1": http.StatusInternalServerError},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{}
	results := runSync(t, p, cp)

	if len(results) != 1 {
		t.Fatalf("results = %d, want the healthy thread only", len(results))
	}
	if results[0].Item == nil || results[0].Item.SourceID != "t2" {
		t.Fatalf("results[0] = %+v", results[0])
	}
	if cp.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", cp.ErrorCount)
	}
}

func TestSyncSkipsAlreadyRetrievedThreads(t *testing.T) {
	fake := &fakeGmail{
		t: t,
		threadPages: map[string]string{
			"p2": `{"threads":[{"id":"t1","snippet":"Dup"},{"id":"t2","snippet":"New"}]}`,
		},
		threads: map[string]string{
			"t2": threadJSON(t, "t2", "New", "Only this one downloads."),
		},
	}
	p, _ := newTestProvider(t, fake)

	cp := &Checkpoint{
		HistoryID: "100",
		HasMore:   true,
		PageToken: "p2",
		Retrieved: map[string]bool{"t1": true},
	}
	results := runSync(t, p, cp)

	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Item.SourceID != "t2" {
		t.Fatalf("SourceID = %q, want t2", results[0].Item.SourceID)
	}
}

func TestDefinitionDecodesConfig(t *testing.T) {
	def := Definition{}
	if def.Kind() != "gmail" {
		t.Fatalf("Kind = %q", def.Kind())
	}

	provider, err := def.NewProvider(json.RawMessage(`{"user_email":"owner@example.com","refresh_token":"r1"}`))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	p, ok := provider.(*Provider)
	if !ok {
		t.Fatalf("provider type %T", provider)
	}
	if p.cfg.UserEmail != "owner@example.com" {
		t.Fatalf("UserEmail = %q", p.cfg.UserEmail)
	}

	if _, err := def.NewProvider(json.RawMessage(`{bad`)); err == nil {
		t.Fatal("expected config decode error")
	}
}
