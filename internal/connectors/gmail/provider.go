// Package gmail syncs a Gmail mailbox as markdown documents, one per thread.
// First runs enumerate every thread; later runs follow the History API from
// the marker captured when the enumeration started.
package gmail

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gen-mind/EchoMind/internal/connectors/google"
	"github.com/gen-mind/EchoMind/internal/connectors/registry"
	"github.com/gen-mind/EchoMind/internal/metrics"
)

const (
	// DefaultBaseURL is the Gmail REST API root.
	DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	threadsPageSize = 100
	historyPageSize = 500

	// maxThreadsPerSync caps one enumeration run; the checkpoint carries the
	// cursor so the next run picks up where this one stopped.
	maxThreadsPerSync = 5000

	providerName = "gmail"
)

// Config is the connector row config for a Gmail connector.
type Config struct {
	google.Credentials
	UserEmail string `json:"user_email"`

	// Endpoint overrides, used by tests.
	BaseURL  string `json:"base_url,omitempty"`
	TokenURL string `json:"token_url,omitempty"`
}

// Definition registers the gmail connector kind.
type Definition struct{}

func (Definition) Kind() string { return providerName }

func (Definition) NewProvider(raw json.RawMessage) (registry.Provider, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode gmail config: %w", err)
		}
	}
	return NewProvider(cfg), nil
}

// Provider implements registry.Provider for one Gmail mailbox.
type Provider struct {
	cfg        Config
	baseURL    string
	client     *http.Client
	session    *google.Session
	governor   *google.Governor
	log        *slog.Logger
	maxThreads int
}

func NewProvider(cfg Config) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		cfg:        cfg,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 60 * time.Second},
		session:    google.NewSession(providerName, cfg.Credentials, cfg.TokenURL),
		governor:   google.NewGovernor(providerName),
		log:        slog.With("provider", providerName),
		maxThreads: maxThreadsPerSync,
	}
}

func (p *Provider) Authenticate(ctx context.Context) error {
	return p.session.EnsureValid(ctx)
}

func (p *Provider) NewCheckpoint() any { return &Checkpoint{} }

func (p *Provider) DecodeCheckpoint(raw json.RawMessage) (any, error) {
	cp := &Checkpoint{}
	if len(raw) == 0 || string(raw) == "null" {
		return cp, nil
	}
	if err := json.Unmarshal(raw, cp); err != nil {
		return nil, fmt.Errorf("decode gmail checkpoint: %w", err)
	}
	return cp, nil
}

func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// GetChanges enumerates changed threads. A truncated enumeration resumes from
// its cursor before the provider ever goes incremental.
func (p *Provider) GetChanges(ctx context.Context, cp any, yield registry.ChangeFunc) error {
	check := p.checkpoint(cp)
	if check.HistoryID != "" && !check.HasMore {
		return p.historyChanges(ctx, check, yield)
	}
	return p.listAllThreads(ctx, check, yield)
}

// DownloadItem fetches a full thread and renders it as markdown.
func (p *Provider) DownloadItem(ctx context.Context, meta *registry.ItemMetadata) (*registry.DownloadedItem, error) {
	data, err := p.apiGet(ctx, p.baseURL+"/users/me/threads/"+meta.SourceID, url.Values{"format": {"full"}})
	if err != nil {
		return nil, err
	}

	var t thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, &registry.DownloadError{
			Provider: providerName,
			URL:      p.baseURL + "/users/me/threads/" + meta.SourceID,
			Reason:   fmt.Sprintf("decode thread: %v", err),
		}
	}

	content := []byte(threadToMarkdown(&t))

	subject := ""
	if len(t.Messages) > 0 {
		subject = t.Messages[0].headerValue("Subject")
	}
	name := google.Slugify(subject)
	if name == "" {
		name = meta.SourceID
	}

	access := registry.ExternalAccess{}
	if p.cfg.UserEmail != "" {
		access = registry.AccessForUsers(p.cfg.UserEmail)
	}

	sum := md5.Sum(content)
	return &registry.DownloadedItem{
		SourceID:    meta.SourceID,
		Name:        name + ".md",
		Content:     content,
		MimeType:    "text/markdown",
		ContentHash: hex.EncodeToString(sum[:]),
		ModifiedAt:  time.Now().UTC(),
		Access:      access,
		OriginalURL: "https://mail.google.com/mail/u/0/#inbox/" + meta.SourceID,
	}, nil
}

// Sync runs one cycle: authenticate, enumerate, download, yield. Item-level
// download failures are counted on the checkpoint and do not abort the run.
func (p *Provider) Sync(ctx context.Context, cp any, yield registry.ResultFunc) error {
	check := p.checkpoint(cp)
	check.LastSyncStart = time.Now().UTC()

	if err := p.session.EnsureValid(ctx); err != nil {
		return err
	}

	err := p.GetChanges(ctx, check, func(change registry.ItemChange) error {
		if change.Action == registry.ActionDelete {
			metrics.ProviderItemsTotal.WithLabelValues(providerName, string(change.Action)).Inc()
			return yield(registry.SyncResult{Deleted: &registry.DeletedItem{SourceID: change.SourceID}})
		}
		if change.Item == nil {
			return nil
		}
		if !check.MarkRetrieved(change.SourceID) {
			return nil
		}

		downloaded, err := p.DownloadItem(ctx, change.Item)
		if err != nil {
			var dlErr *registry.DownloadError
			if errors.As(err, &dlErr) {
				p.log.Error("thread download failed", "thread_id", change.SourceID, "err", err)
				check.ErrorCount++
				metrics.ProviderErrorsTotal.WithLabelValues(providerName, "download").Inc()
				return nil
			}
			return err
		}
		metrics.ProviderItemsTotal.WithLabelValues(providerName, string(change.Action)).Inc()
		return yield(registry.SyncResult{Item: downloaded})
	})
	if err != nil {
		return err
	}

	// De-dup state only matters while an enumeration is in flight.
	if !check.HasMore {
		check.Retrieved = nil
	}
	return nil
}

func (p *Provider) checkpoint(cp any) *Checkpoint {
	if check, ok := cp.(*Checkpoint); ok {
		return check
	}
	return &Checkpoint{}
}

type threadStub struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
}

// listAllThreads walks the full thread listing. The history marker is
// captured up front so changes made during a long enumeration are replayed
// by the first incremental run.
func (p *Provider) listAllThreads(ctx context.Context, check *Checkpoint, yield registry.ChangeFunc) error {
	if check.HistoryID == "" {
		profile, err := p.getProfile(ctx)
		if err != nil {
			return err
		}
		check.HistoryID = profile.HistoryID.String()
	}

	processed := 0
	fetch := func(ctx context.Context, token string) ([]threadStub, string, error) {
		// The cap ends the walk early; the checkpoint already points at the
		// unfetched page, so the next run resumes there.
		if processed >= p.maxThreads {
			check.HasMore = true
			return nil, "", nil
		}

		params := url.Values{
			"maxResults":       {fmt.Sprint(threadsPageSize)},
			"includeSpamTrash": {"false"},
		}
		if token != "" {
			params.Set("pageToken", token)
		}

		data, err := p.apiGet(ctx, p.baseURL+"/users/me/threads", params)
		if err != nil {
			return nil, "", err
		}

		var page struct {
			Threads       []threadStub `json:"threads"`
			NextPageToken string       `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, "", fmt.Errorf("decode thread listing: %w", err)
		}

		check.PageToken = page.NextPageToken
		if page.NextPageToken == "" {
			check.HasMore = false
		}
		return page.Threads, page.NextPageToken, nil
	}

	return google.ForEachPage(ctx, check.PageToken, fetch, func(stub threadStub) error {
		name := google.Slugify(truncate(stub.Snippet, 80))
		if name == "" {
			name = stub.ID
		}
		processed++
		return yield(registry.ItemChange{
			SourceID: stub.ID,
			Action:   registry.ActionCreate,
			Item: &registry.ItemMetadata{
				SourceID: stub.ID,
				Name:     name,
				MimeType: "text/markdown",
			},
		})
	})
}

// historyChanges follows the History API from the stored marker. A 404 means
// the marker expired; the checkpoint is cleared and a full enumeration runs
// in its place.
func (p *Provider) historyChanges(ctx context.Context, check *Checkpoint, yield registry.ChangeFunc) error {
	changed := make(map[string]bool)

	fetch := func(ctx context.Context, token string) ([]historyMessage, string, error) {
		params := url.Values{
			"startHistoryId": {check.HistoryID},
			"historyTypes":   {"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"},
			"maxResults":     {fmt.Sprint(historyPageSize)},
		}
		if token != "" {
			params.Set("pageToken", token)
		}

		data, err := p.apiGet(ctx, p.baseURL+"/users/me/history", params)
		if err != nil {
			return nil, "", err
		}

		var page struct {
			History []struct {
				MessagesAdded   []historyMessage `json:"messagesAdded"`
				MessagesDeleted []historyMessage `json:"messagesDeleted"`
				LabelsAdded     []historyMessage `json:"labelsAdded"`
				LabelsRemoved   []historyMessage `json:"labelsRemoved"`
			} `json:"history"`
			HistoryID     json.Number `json:"historyId"`
			NextPageToken string      `json:"nextPageToken"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, "", fmt.Errorf("decode history listing: %w", err)
		}

		var events []historyMessage
		for _, h := range page.History {
			events = append(events, h.MessagesAdded...)
			events = append(events, h.MessagesDeleted...)
			events = append(events, h.LabelsAdded...)
			events = append(events, h.LabelsRemoved...)
		}
		if page.HistoryID.String() != "" {
			check.HistoryID = page.HistoryID.String()
		}
		return events, page.NextPageToken, nil
	}

	// One thread shows up once per touched message, so the collection phase
	// deduplicates before anything is yielded.
	err := google.ForEachPage(ctx, "", fetch, func(hm historyMessage) error {
		if hm.Message.ThreadID != "" {
			changed[hm.Message.ThreadID] = true
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			p.log.Warn("history marker expired, forcing full enumeration")
			check.HistoryID = ""
			check.PageToken = ""
			return p.listAllThreads(ctx, check, yield)
		}
		return err
	}

	threadIDs := make([]string, 0, len(changed))
	for id := range changed {
		threadIDs = append(threadIDs, id)
	}
	sort.Strings(threadIDs)

	for _, id := range threadIDs {
		err := yield(registry.ItemChange{
			SourceID: id,
			Action:   registry.ActionUpdate,
			Item: &registry.ItemMetadata{
				SourceID: id,
				Name:     id,
				MimeType: "text/markdown",
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type historyMessage struct {
	Message struct {
		ThreadID string `json:"threadId"`
	} `json:"message"`
}

type profile struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func (p *Provider) getProfile(ctx context.Context) (*profile, error) {
	data, err := p.apiGet(ctx, p.baseURL+"/users/me/profile", nil)
	if err != nil {
		return nil, err
	}
	var prof profile
	if err := json.Unmarshal(data, &prof); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &prof, nil
}

// statusError keeps the HTTP status attached to a download error so the
// history fallback can tell an expired marker from other failures.
type statusError struct {
	status int
	err    *registry.DownloadError
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

// apiGet issues a GET through the rate limit governor and returns the body.
// Non-200 responses become download errors carrying the status.
func (p *Provider) apiGet(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if err := p.session.EnsureValid(ctx); err != nil {
		return nil, err
	}

	resp, err := p.governor.Do(ctx, p.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if len(params) > 0 {
			req.URL.RawQuery = params.Encode()
		}
		req.Header.Set("Authorization", p.session.AuthHeader())
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{
			status: resp.StatusCode,
			err: &registry.DownloadError{
				Provider: providerName,
				URL:      rawURL,
				Reason:   fmt.Sprintf("Gmail API error %d: %s", resp.StatusCode, truncate(string(body), 200)),
			},
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
