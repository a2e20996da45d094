// Package model defines the concrete records flowing through the sync core:
// chat messages, wallet analysis jobs, and token metadata. Each implements
// pagecache.Item so the generic cache, mutation, and feed machinery can hold
// it; versions are unix-millisecond update timestamps.
package model

// ChatMessage is one message of a channel feed.
type ChatMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Author    string         `json:"author"`
	Body      string         `json:"body"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Pinned    bool           `json:"pinned"`
	Reactions map[string]int `json:"reactions,omitempty"`
}

func (m ChatMessage) ItemKey() string    { return m.ID }
func (m ChatMessage) ItemVersion() int64 { return m.UpdatedAt }

// Analysis job lifecycle states as reported by the server.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// AnalysisJob tracks a wallet analysis run. Completed jobs are garbage
// collected server-side, so polling one may legitimately return 404.
type AnalysisJob struct {
	JobID     string  `json:"jobId"`
	Wallet    string  `json:"wallet"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	UpdatedAt int64   `json:"updatedAt"`
}

func (j AnalysisJob) ItemKey() string    { return j.JobID }
func (j AnalysisJob) ItemVersion() int64 { return j.UpdatedAt }

// TokenMetadata describes a token, keyed by its mint address. Bare records
// (mint only) are served immediately; Enriched marks a record that has been
// through the metadata resolver.
type TokenMetadata struct {
	Mint      string `json:"mint"`
	Symbol    string `json:"symbol,omitempty"`
	Name      string `json:"name,omitempty"`
	Decimals  int    `json:"decimals"`
	LogoURI   string `json:"logoURI,omitempty"`
	Enriched  bool   `json:"enriched"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (t TokenMetadata) ItemKey() string    { return t.Mint }
func (t TokenMetadata) ItemVersion() int64 { return t.UpdatedAt }
