package gmail

import "time"

// Checkpoint is the persisted sync position for one Gmail connector.
//
// An empty HistoryID means the mailbox has never been fully enumerated. Once
// enumeration drains, HistoryID carries the marker captured when the
// enumeration started and later runs go incremental through the History API.
// HasMore marks a truncated enumeration; the next run resumes from PageToken
// instead of switching to incremental, so no thread between the marker and
// the cursor is skipped.
type Checkpoint struct {
	HistoryID     string          `json:"history_id,omitempty"`
	PageToken     string          `json:"page_token,omitempty"`
	HasMore       bool            `json:"has_more,omitempty"`
	ErrorCount    int             `json:"error_count,omitempty"`
	LastSyncStart time.Time       `json:"last_sync_start,omitempty"`
	Retrieved     map[string]bool `json:"retrieved_threads,omitempty"`
}

// MarkRetrieved records that a thread was handled this enumeration. Returns
// false if the thread was already handled, so resumed runs skip duplicates.
func (c *Checkpoint) MarkRetrieved(threadID string) bool {
	if c.Retrieved[threadID] {
		return false
	}
	if c.Retrieved == nil {
		c.Retrieved = make(map[string]bool)
	}
	c.Retrieved[threadID] = true
	return true
}
