package models

import "time"

// Status is the generation state of a cache record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Tier identifies one level of the tiered store.
type Tier string

const (
	TierMemory Tier = "memory"
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

// Record is the unit of storage in every cache tier.
type Record struct {
	Key            string    `json:"key"`
	TemplateID     string    `json:"template_id"`
	Variant        string    `json:"variant,omitempty"`
	Status         Status    `json:"status"`
	PayloadRef     string    `json:"payload_ref,omitempty"`
	PayloadText    string    `json:"payload_text,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	ExpiresAt      time.Time `json:"expires_at"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	Owner          string    `json:"owner,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Payload is generated content. Data holds binary output such as audio,
// Text holds inline output such as a generated script. Either may be empty.
type Payload struct {
	Data        []byte `json:"-"`
	Text        string `json:"text,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Size returns the logical payload size used for capacity accounting.
func (p *Payload) Size() int64 {
	if p == nil {
		return 0
	}
	return int64(len(p.Data) + len(p.Text))
}

// Clone returns a deep copy so callers cannot mutate cached bytes.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	c := *p
	if p.Data != nil {
		c.Data = append([]byte(nil), p.Data...)
	}
	return &c
}
