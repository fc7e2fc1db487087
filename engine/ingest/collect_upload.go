package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/domain"
)

// UploadCollector persists a single user-supplied file. Unlike the other
// collectors it is invoked directly from the HTTP upload handler rather
// than the scheduler, one call per submitted file.
type UploadCollector struct{ name string }

func NewUploadCollector() *UploadCollector { return &UploadCollector{name: "upload"} }

func (c *UploadCollector) Name() string { return c.name }

// Collect is a no-op for UploadCollector; use Persist directly from the
// HTTP handler instead, since uploads arrive one at a time with request
// context rather than in a scheduled batch.
func (c *UploadCollector) Collect(ctx context.Context, cat *catalog.Catalog) error {
	return nil
}

// Persist writes an uploaded file's bytes through the catalog, returning
// the assigned resource hash.
func (c *UploadCollector) Persist(cat *catalog.Catalog, filename string, content []byte, author string) (string, error) {
	hash := domain.ContentHash(domain.SourceLocal, content)
	r := domain.Resource{
		Hash:        hash,
		DisplayName: filename,
		SourceType:  domain.SourceLocal,
		Suffix:      filepath.Ext(filename),
	}
	meta := &domain.ResourceMeta{
		SourceType:  domain.SourceLocal,
		CollectedAt: time.Now(),
		Title:       filename,
		Author:      author,
	}
	if _, err := cat.Persist(r, content, meta, "uploads"); err != nil {
		return "", fmt.Errorf("upload collector: %w", err)
	}
	if err := cat.Flush(); err != nil {
		return "", fmt.Errorf("upload collector: flush: %w", err)
	}
	return hash, nil
}
