package models

import "time"

// GenerationEvent records a single call to a generator.
type GenerationEvent struct {
	ID         int64         `json:"id"`
	Key        string        `json:"key"`
	TemplateID string        `json:"template_id"`
	Variant    string        `json:"variant,omitempty"`
	Status     Status        `json:"status"`
	SizeBytes  int64         `json:"size_bytes"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// GenerationSummary aggregates generation events per template and variant.
type GenerationSummary struct {
	TemplateID    string        `json:"template_id"`
	Variant       string        `json:"variant"`
	Generations   int           `json:"generations"`
	Failures      int           `json:"failures"`
	TotalBytes    int64         `json:"total_bytes"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastGenerated time.Time     `json:"last_generated"`
}
