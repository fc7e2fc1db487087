// Package ingest orchestrates bringing external content into the catalog:
// collectors fetch bytes from web/git/ticket/upload sources, a scheduler
// runs them periodically, and a NATS consumer drains the queue of
// collected resources into the catalog with retry and DLQ semantics.
package ingest

import (
	"context"

	"github.com/sablehq/sable/engine/catalog"
)

// Collector is the uniform capability every ingestion source implements:
// fetch content and hand it to the catalog. Collectors never call index
// sync directly — the orchestrator triggers sync once after a collection
// round completes.
type Collector interface {
	Name() string
	Collect(ctx context.Context, cat *catalog.Catalog) error
}

// Submission is one resource handed from a collector to the queue that
// feeds the NATS consumer, carrying raw bytes alongside the resource row
// so persistence can happen out-of-process from collection.
type Submission struct {
	Hash        string            `json:"hash"`
	DisplayName string            `json:"display_name"`
	SourceType  string            `json:"source_type"`
	URL         string            `json:"url,omitempty"`
	TicketID    string            `json:"ticket_id,omitempty"`
	GitCommit   string            `json:"git_commit,omitempty"`
	Suffix      string            `json:"suffix"`
	TargetDir   string            `json:"target_dir"`
	Content     []byte            `json:"content"`
	Title       string            `json:"title,omitempty"`
	Author      string            `json:"author,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}
