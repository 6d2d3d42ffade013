package models

import "time"

// Run status values.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// CaptureResponse is the immediate response for POST /api/v1/captures.
type CaptureResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RunReport describes one capture run, finished or in progress.
type RunReport struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// LandingURL is the first segment's URL.
	LandingURL string `json:"landing_url"`

	// OutputDir is the date-stamped directory holding the segment files.
	OutputDir string `json:"output_dir"`

	// Archive is the zip path; empty when archiving was skipped or failed.
	Archive string `json:"archive,omitempty"`

	// Delivered reports whether the archive was mailed.
	Delivered bool `json:"delivered"`

	Segments []SegmentReport `json:"segments"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Warnings collects non-fatal failures (archive, delivery, webhook).
	Warnings []ErrorDetail `json:"warnings,omitempty"`

	// Error is populated only when Status is "failed".
	Error *ErrorDetail `json:"error,omitempty"`
}

// SegmentReport describes one captured feed segment.
type SegmentReport struct {
	// Index is 1-based and matches the file name suffix.
	Index int    `json:"index"`
	URL   string `json:"url"`
	File  string `json:"file"`

	// Digest is the Markdown companion path, when enabled.
	Digest string `json:"digest,omitempty"`

	Frozen       int    `json:"frozen"`
	FreezeFailed int    `json:"freeze_failed,omitempty"`
	Iterations   int    `json:"iterations"`
	Termination  string `json:"termination"`

	Resources ResourceStats `json:"resources"`

	// Fingerprint is the simhash of the frozen entries' text.
	Fingerprint uint64 `json:"fingerprint"`

	// DuplicateOf is the index of an earlier segment with near-identical
	// content, or 0.
	DuplicateOf int `json:"duplicate_of,omitempty"`

	Bytes  int64      `json:"bytes"`
	Timing TimingInfo `json:"timing"`
}

// ResourceStats summarises inlining for one segment.
type ResourceStats struct {
	Embedded   int `json:"embedded"`
	Failed     int `json:"failed"`
	Transcoded int `json:"transcoded"`
}

// TimingInfo breaks down the time spent in each phase of a segment.
type TimingInfo struct {
	TotalMs      int64 `json:"total_ms"`
	NavigationMs int64 `json:"navigation_ms"`
	HarvestMs    int64 `json:"harvest_ms"`
	InlineMs     int64 `json:"inline_ms"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" or "degraded"
	Uptime  string `json:"uptime"`
	Version string `json:"version"`

	// ActiveCapture is the ID of the running capture, if any.
	ActiveCapture string `json:"active_capture,omitempty"`

	Browser BrowserStats `json:"browser"`
}

// BrowserStats reports the state of the capture browser.
type BrowserStats struct {
	Connected bool `json:"connected"`
	PID       int  `json:"browser_pid"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}
