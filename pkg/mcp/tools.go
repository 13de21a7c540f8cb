package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/gencache/pkg/coordinator"
	"github.com/pario-ai/gencache/pkg/models"
)

type tool struct {
	def    ToolDefinition
	handle func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult
}

type contentArgs struct {
	TemplateID string            `json:"template_id"`
	Inputs     map[string]string `json:"inputs"`
	Variant    string            `json:"variant"`
}

type templateArgs struct {
	TemplateID string `json:"template_id"`
	Limit      int    `json:"limit"`
}

func contentSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"template_id"},
		"properties": map[string]any{
			"template_id": map[string]any{"type": "string", "description": "Template id, e.g. goal_viz_01"},
			"inputs": map[string]any{
				"type":                 "object",
				"description":          "Generation inputs; values are trimmed and lowercased",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"variant": map[string]any{"type": "string", "description": "Variant such as a voice id (optional)"},
		},
	}
}

func templateSchema(withLimit bool) map[string]any {
	props := map[string]any{
		"template_id": map[string]any{"type": "string", "description": "Filter by template id (optional)"},
	}
	if withLimit {
		props["limit"] = map[string]any{"type": "integer", "description": "Maximum events to return (default 20)"}
	}
	return map[string]any{"type": "object", "properties": props}
}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "gencache_get_content",
			Description: "Return cached content for a template, inputs and variant, generating it on a miss.",
			InputSchema: contentSchema(),
		},
		handle: handleGetContent,
	},
	{
		def: ToolDefinition{
			Name:        "gencache_invalidate",
			Description: "Remove cached content for a template, inputs and variant from every tier.",
			InputSchema: contentSchema(),
		},
		handle: handleInvalidate,
	},
	{
		def: ToolDefinition{
			Name:        "gencache_cache_stats",
			Description: "Show hit rate, counters and per-tier usage of the cache.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		handle: handleCacheStats,
	},
	{
		def: ToolDefinition{
			Name:        "gencache_generation_stats",
			Description: "Summarize generator calls per template and variant.",
			InputSchema: templateSchema(false),
		},
		handle: handleGenerationStats,
	},
	{
		def: ToolDefinition{
			Name:        "gencache_recent_generations",
			Description: "List the most recent generator calls.",
			InputSchema: templateSchema(true),
		},
		handle: handleRecent,
	},
	{
		def: ToolDefinition{
			Name:        "gencache_cleanup",
			Description: "Run one eviction pass over the memory and local tiers.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		handle: handleCleanup,
	},
}

var toolsByName = func() map[string]tool {
	m := make(map[string]tool, len(tools))
	for _, t := range tools {
		m[t.def.Name] = t
	}
	return m
}()

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleGetContent(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args contentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.TemplateID == "" {
		return errorResult("template_id is required")
	}

	res, err := s.opts.Cache.GetOrGenerate(ctx, coordinator.Request{
		TemplateID: args.TemplateID,
		Inputs:     args.Inputs,
		Variant:    args.Variant,
	}, s.opts.Generator)
	var genErr *coordinator.GenerationError
	switch {
	case errors.As(err, &genErr):
		return errorResult(fmt.Sprintf("Generation failed for %s: %s", genErr.Key, genErr.Detail))
	case err != nil:
		return errorResult("Error reading cache: " + err.Error())
	}
	return textResult(formatResult(res))
}

func handleInvalidate(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args contentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if args.TemplateID == "" {
		return errorResult("template_id is required")
	}
	if err := s.opts.Cache.Invalidate(ctx, args.TemplateID, args.Inputs, args.Variant); err != nil {
		return errorResult("Error invalidating content: " + err.Error())
	}
	return textResult("Content invalidated.")
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	st, err := s.opts.Cache.Stats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(st))
}

func handleGenerationStats(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.opts.Tracker == nil {
		return textResult("Generation tracking is not configured.")
	}
	var args templateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	rows, err := s.opts.Tracker.Summary(ctx, args.TemplateID)
	if err != nil {
		return errorResult("Error fetching generation stats: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleRecent(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.opts.Tracker == nil {
		return textResult("Generation tracking is not configured.")
	}
	args := templateArgs{Limit: 20}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	events, err := s.opts.Tracker.Recent(ctx, args.TemplateID, args.Limit)
	if err != nil {
		return errorResult("Error fetching recent generations: " + err.Error())
	}
	return textResult(formatEvents(events))
}

func handleCleanup(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.opts.Cleaner == nil {
		return textResult("Cleanup is not configured.")
	}
	results, err := s.opts.Cleaner.RunAll(ctx)
	if err != nil {
		return errorResult("Cleanup failed: " + err.Error())
	}
	return textResult(formatCleanup(results))
}

func formatResult(res *coordinator.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Key: %s\n", res.Key)
	switch res.Outcome {
	case coordinator.OutcomePending:
		fmt.Fprintf(&b, "Status: pending since %s, retry in %s\n",
			res.PendingSince.Format(time.RFC3339), res.RetryAfter)
		return b.String()
	case coordinator.OutcomeHit:
		fmt.Fprintf(&b, "Status: cached (%s tier)\n", res.Tier)
	case coordinator.OutcomeShared:
		b.WriteString("Status: generated by a concurrent request\n")
	default:
		b.WriteString("Status: generated\n")
	}
	if p := res.Payload; p != nil {
		if len(p.Data) > 0 {
			fmt.Fprintf(&b, "Payload: %s %s\n", humanize.Bytes(uint64(len(p.Data))), p.ContentType)
		}
		if p.Text != "" {
			fmt.Fprintf(&b, "\n%s\n", p.Text)
		}
	}
	return b.String()
}

func formatCacheStats(st models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cache Statistics\n"+
		"  Hit Rate:    %.1f%%\n"+
		"  Hits:        %d\n"+
		"  Misses:      %d\n"+
		"  Pending:     %d\n"+
		"  Failures:    %d\n"+
		"  Generations: %d\n",
		st.HitRate*100, st.Hits, st.Misses, st.Pending, st.Failures, st.Generations)
	for _, u := range st.Tiers {
		fmt.Fprintf(&b, "  %-7s %d entries, %s", u.Tier, u.Entries, humanize.IBytes(uint64(u.SizeBytes)))
		if u.Capacity > 0 {
			fmt.Fprintf(&b, " of %s", humanize.IBytes(uint64(u.Capacity)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatSummary(rows []models.GenerationSummary) string {
	if len(rows) == 0 {
		return "No generations recorded."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Template\tVariant\tGenerations\tFailures\tBytes\tAvg Duration")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.TemplateID, r.Variant, r.Generations, r.Failures,
			humanize.Bytes(uint64(r.TotalBytes)), r.AvgDuration.Round(time.Millisecond))
	}
	_ = w.Flush()
	return b.String()
}

func formatEvents(events []models.GenerationEvent) string {
	if len(events) == 0 {
		return "No generations recorded."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Time\tKey\tStatus\tDuration\tError")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Key, e.Status,
			e.Duration.Round(time.Millisecond), e.Error)
	}
	_ = w.Flush()
	return b.String()
}

func formatCleanup(results []models.CleanupResult) string {
	if len(results) == 0 {
		return "No managed tiers."
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "%s: %d expired, %d evicted, %d superseded, %s freed\n",
			r.Tier, r.Expired, r.Removed, r.Superseded, humanize.IBytes(uint64(r.FreedBytes)))
	}
	return b.String()
}
