package models

// CaptureRequest is the payload for POST /api/v1/captures.
// Zero values fall back to the server configuration.
type CaptureRequest struct {
	// URL overrides the feed landing URL.
	URL string `json:"url,omitempty" binding:"omitempty,url"`

	// Segments is the number of paginated segments to capture.
	// Max: 50.
	Segments int `json:"segments,omitempty" binding:"omitempty,min=1,max=50"`

	// Digest writes a Markdown companion next to each segment file.
	Digest *bool `json:"digest,omitempty"`

	// Archive packages the run directory into a zip when the run ends.
	Archive *bool `json:"archive,omitempty"`

	// Deliver mails the archive to the configured recipients.
	Deliver *bool `json:"deliver,omitempty"`

	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}
