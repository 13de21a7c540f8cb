package models

// TierUsage reports how much a single tier currently holds.
type TierUsage struct {
	Tier      Tier  `json:"tier"`
	Entries   int64 `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
	Capacity  int64 `json:"capacity,omitempty"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	TotalEntries   int64       `json:"total_entries"`
	TotalSizeBytes int64       `json:"total_size_bytes"`
	HitRate        float64     `json:"hit_rate"`
	Hits           int64       `json:"hits"`
	Misses         int64       `json:"misses"`
	Pending        int64       `json:"pending"`
	Failures       int64       `json:"failures"`
	Generations    int64       `json:"generations"`
	Tiers          []TierUsage `json:"tiers"`
}

// CleanupResult summarizes one eviction pass over a tier.
type CleanupResult struct {
	Tier       Tier  `json:"tier"`
	Removed    int   `json:"removed"`
	Expired    int   `json:"expired"`
	Superseded int   `json:"superseded"`
	FreedBytes int64 `json:"freed_bytes"`
}
