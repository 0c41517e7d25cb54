package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capture status values. Acked is terminal; there is no failed state at the
// relay layer. Failure handling belongs to the agent and the pipeline.
const (
	StatusPending = "pending"
	StatusAcked   = "acked"
)

// Default payload limits, matching what downstream processing can absorb.
const (
	DefaultMaxContentBytes = 512_000 // 500KB
	MaxURLLength           = 2048
	MaxAnnotationLength    = 500
)

// Capture is a single raw submission awaiting local processing.
type Capture struct {
	ID         int64      `json:"id" db:"id"`
	Content    string     `json:"content,omitempty" db:"content"`
	URL        *string    `json:"url,omitempty" db:"url"`
	SourceURL  *string    `json:"source_url,omitempty" db:"source_url"`
	Annotation *string    `json:"annotation,omitempty" db:"annotation"`
	APIKeyID   int64      `json:"-" db:"api_key_id"` // submitting key, audit only
	Status     string     `json:"status" db:"status"`
	ReceivedAt time.Time  `json:"received_at" db:"received_at"`
	AckedAt    *time.Time `json:"acked_at,omitempty" db:"acked_at"`
}

// CaptureRequest is the payload accepted by the submit endpoint.
type CaptureRequest struct {
	Content    string  `json:"content"`
	URL        *string `json:"url,omitempty"`
	SourceURL  *string `json:"source_url,omitempty"`
	Annotation *string `json:"annotation,omitempty"`
}

// ErrEmptyPayload is returned when neither content nor url carries anything
// after trimming.
var ErrEmptyPayload = errors.New("either content or url must be provided")

// Validate checks the request against the payload rules: at least one of
// content/url non-blank, content within maxContentBytes, URLs well-formed and
// bounded, annotation bounded. maxContentBytes <= 0 selects the default.
func (r *CaptureRequest) Validate(maxContentBytes int) error {
	if maxContentBytes <= 0 {
		maxContentBytes = DefaultMaxContentBytes
	}

	hasContent := strings.TrimSpace(r.Content) != ""
	hasURL := r.URL != nil && strings.TrimSpace(*r.URL) != ""
	if !hasContent && !hasURL {
		return ErrEmptyPayload
	}

	if len(r.Content) > maxContentBytes {
		return fmt.Errorf("content exceeds %d byte limit", maxContentBytes)
	}
	if err := validateURL("url", r.URL); err != nil {
		return err
	}
	if err := validateURL("source_url", r.SourceURL); err != nil {
		return err
	}
	if r.Annotation != nil && len(*r.Annotation) > MaxAnnotationLength {
		return fmt.Errorf("annotation exceeds %d character limit", MaxAnnotationLength)
	}
	return nil
}

func validateURL(field string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	if len(*v) > MaxURLLength {
		return fmt.Errorf("%s exceeds %d character limit", field, MaxURLLength)
	}
	if !strings.HasPrefix(*v, "http://") && !strings.HasPrefix(*v, "https://") {
		return fmt.Errorf("%s must start with http:// or https://", field)
	}
	return nil
}
