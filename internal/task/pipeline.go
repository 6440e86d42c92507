// Package task implements the Source -> Normalizer -> Processor -> Sink
// pipeline a scheduled Task runs on each fire (spec §4.7 Pipeline per run).
package task

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentlab/loom/pkg/models"
)

// Source fetches raw records from one external feed (a marketplace search
// page, an RSS feed, a webhook replay log, ...). Sources are external
// collaborators; only the interface is specified here (spec §6).
type Source interface {
	Fetch(ctx context.Context) ([]RawRecord, error)
}

// RawRecord is an unshaped record as a Source returns it, before a
// Normalizer has mapped it onto a models.Listing.
type RawRecord map[string]any

// SourceFunc adapts a function to a Source (grounded on the teacher's
// MessageSenderFunc/AgentRunnerFunc function-adapter idiom in
// internal/cron/types.go).
type SourceFunc func(ctx context.Context) ([]RawRecord, error)

func (f SourceFunc) Fetch(ctx context.Context) ([]RawRecord, error) { return f(ctx) }

// Normalizer maps one raw record onto a models.Listing. A Normalizer error
// drops just that record; it never aborts the run (spec §4.7: "normalizer
// failures are dropped with a warning, not fatal").
type Normalizer interface {
	Normalize(raw RawRecord) (models.Listing, error)
}

// NormalizerFunc adapts a function to a Normalizer.
type NormalizerFunc func(raw RawRecord) (models.Listing, error)

func (f NormalizerFunc) Normalize(raw RawRecord) (models.Listing, error) { return f(raw) }

// Sink delivers the processed listings somewhere (a webhook, a message
// send, a database table). A Sink error is logged and does not abort the
// run or the remaining sinks (spec §4.7: "sink failures logged, no retry
// within run").
type Sink interface {
	Send(ctx context.Context, listings []models.Listing) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, listings []models.Listing) error

func (f SinkFunc) Send(ctx context.Context, listings []models.Listing) error { return f(ctx, listings) }

// Warning records a non-fatal failure encountered during a run (a dropped
// raw record, a failed sink) for result accounting.
type Warning struct {
	Stage string // "normalize" or "sink"
	Err   error
}

// Result is the outcome of a single pipeline run.
type Result struct {
	Listings []models.Listing
	Warnings []Warning
}

// Process filters listings by price range and currency, sorts the survivors
// ascending by price, and truncates to TopN (spec §4.7 Processor). TopN<=0
// means no truncation.
func Process(listings []models.Listing, params models.ProcessorParams) []models.Listing {
	out := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if params.Currency != "" && l.Currency != params.Currency {
			continue
		}
		if params.MinPrice > 0 && l.Price < params.MinPrice {
			continue
		}
		if params.MaxPrice > 0 && l.Price > params.MaxPrice {
			continue
		}
		out = append(out, l)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })

	if params.TopN > 0 && len(out) > params.TopN {
		out = out[:params.TopN]
	}
	return out
}

// Run executes one full pipeline pass: fetch every source, normalize every
// raw record, filter/sort/truncate via Process, then fan the result out to
// every sink. A Source error aborts the run (spec §4.7: sources are the one
// stage whose failure is not absorbed, since without input nothing
// downstream can run). Normalizer and Sink failures are recorded as
// Warnings and otherwise ignored.
func Run(ctx context.Context, sources []Source, normalizer Normalizer, params models.ProcessorParams, sinks []Sink) (Result, error) {
	var raw []RawRecord
	for i, src := range sources {
		records, err := src.Fetch(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("source[%d] fetch: %w", i, err)
		}
		raw = append(raw, records...)
	}

	var result Result
	for _, r := range raw {
		listing, err := normalizer.Normalize(r)
		if err != nil {
			result.Warnings = append(result.Warnings, Warning{Stage: "normalize", Err: err})
			continue
		}
		if !listing.Valid() {
			result.Warnings = append(result.Warnings, Warning{Stage: "normalize", Err: fmt.Errorf("listing %q failed validation", listing.ID)})
			continue
		}
		result.Listings = append(result.Listings, listing)
	}

	result.Listings = Process(result.Listings, params)

	for i, sink := range sinks {
		if err := sink.Send(ctx, result.Listings); err != nil {
			result.Warnings = append(result.Warnings, Warning{Stage: "sink", Err: fmt.Errorf("sink[%d]: %w", i, err)})
		}
	}

	return result, nil
}
