// Package catalog persists resource bytes and a hash-indexed catalog: the
// content-addressed filesystem that every ingestion collector writes
// through and every index sync reads from.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/atomicfile"
	"gopkg.in/yaml.v3"
)

// Catalog is the sole owner of resource bytes and catalog index rows. A
// writer mutex guards mutation; readers take a Snapshot.
type Catalog struct {
	dataRoot string

	mu            sync.Mutex
	fileIndex     map[string]string // hash -> relative path
	metadataIndex map[string]string // hash -> metadata relative path
	resources     map[string]domain.Resource
	dirty         bool
}

const indexDir = ".index"

// Open loads (or initializes) a catalog rooted at dataRoot.
func Open(dataRoot string) (*Catalog, error) {
	c := &Catalog{
		dataRoot:      dataRoot,
		fileIndex:     make(map[string]string),
		metadataIndex: make(map[string]string),
		resources:     make(map[string]domain.Resource),
	}
	if err := os.MkdirAll(filepath.Join(dataRoot, indexDir), 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create index dir: %w", err)
	}
	if err := c.loadIndex("file_index.yaml", &c.fileIndex); err != nil {
		return nil, err
	}
	if err := c.loadIndex("metadata_index.yaml", &c.metadataIndex); err != nil {
		return nil, err
	}
	if err := c.loadResources(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadResources loads the catalog's resource attribute rows, the index's
// only non-external-contract file — file_index.yaml/metadata_index.yaml
// are the documented on-disk layout (§6); resources.yaml is an
// implementation detail of this store alone.
func (c *Catalog) loadResources() error {
	path := filepath.Join(c.dataRoot, indexDir, "resources.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: read resources.yaml: %w", err)
	}
	return yaml.Unmarshal(data, &c.resources)
}

func (c *Catalog) loadIndex(name string, into *map[string]string) error {
	path := filepath.Join(c.dataRoot, indexDir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", name, err)
	}
	return yaml.Unmarshal(data, into)
}

// resolvePath joins dataRoot with a relative path and rejects any result
// that escapes dataRoot.
func (c *Catalog) resolvePath(rel string) (string, error) {
	full := filepath.Join(c.dataRoot, rel)
	cleanRoot := filepath.Clean(c.dataRoot)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", domain.ErrPathOutsideDataRoot
	}
	return full, nil
}

// Persist writes content to {target_dir}/{hash}{suffix}, optionally a
// `.meta` sidecar, and records both index entries. Marks the catalog
// dirty; callers must Flush to make the index durable.
func (c *Catalog) Persist(r domain.Resource, content []byte, meta *domain.ResourceMeta, targetDir string) (string, error) {
	if err := domain.ValidateResource(r); err != nil {
		return "", err
	}

	rel := filepath.Join(targetDir, r.Hash+r.Suffix)
	full, err := c.resolvePath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("catalog: mkdir %s: %w", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return "", fmt.Errorf("catalog: write %s: %w", full, err)
	}

	metaRel := ""
	if meta != nil {
		metaData, err := yaml.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("catalog: marshal meta for %s: %w", r.Hash, err)
		}
		metaRel = rel + ".meta"
		metaFull, err := c.resolvePath(metaRel)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(metaFull, metaData, 0o644); err != nil {
			return "", fmt.Errorf("catalog: write meta %s: %w", metaFull, err)
		}
	}

	r.SizeBytes = int64(len(content))
	r.IngestedAt = time.Now()

	c.mu.Lock()
	c.fileIndex[r.Hash] = rel
	if metaRel != "" {
		c.metadataIndex[r.Hash] = metaRel
	}
	c.resources[r.Hash] = r
	c.dirty = true
	c.mu.Unlock()

	return full, nil
}

// Delete removes the content file, sidecar, and both index entries for
// hash. Optionally flushes the index immediately.
func (c *Catalog) Delete(hash string, flush bool) error {
	c.mu.Lock()
	rel, ok := c.fileIndex[hash]
	metaRel := c.metadataIndex[hash]
	delete(c.fileIndex, hash)
	delete(c.metadataIndex, hash)
	delete(c.resources, hash)
	c.dirty = true
	c.mu.Unlock()

	if !ok {
		return nil
	}
	full, err := c.resolvePath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("catalog: remove %s: %w", full, err)
	}
	if metaRel != "" {
		if metaFull, err := c.resolvePath(metaRel); err == nil {
			os.Remove(metaFull)
		}
	}

	if flush {
		return c.Flush()
	}
	return nil
}

// Reset recursively clears a subdirectory and the index rows under it.
func (c *Catalog) Reset(subdir string) error {
	full, err := c.resolvePath(subdir)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("catalog: reset %s: %w", subdir, err)
	}

	c.mu.Lock()
	for hash, rel := range c.fileIndex {
		if strings.HasPrefix(rel, subdir) {
			delete(c.fileIndex, hash)
			delete(c.metadataIndex, hash)
			delete(c.resources, hash)
		}
	}
	c.dirty = true
	c.mu.Unlock()

	return c.Flush()
}

// Flush atomically writes dirty indexes to disk. Idempotent: the dirty
// flag survives retries, so calling Flush repeatedly is safe.
func (c *Catalog) Flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	fileIndexCopy := cloneMap(c.fileIndex)
	metaIndexCopy := cloneMap(c.metadataIndex)
	resourcesCopy := make(map[string]domain.Resource, len(c.resources))
	for k, v := range c.resources {
		resourcesCopy[k] = v
	}
	c.mu.Unlock()

	resourceData, err := yaml.Marshal(resourcesCopy)
	if err != nil {
		return fmt.Errorf("catalog: marshal resources: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(c.dataRoot, indexDir, "resources.yaml"), resourceData, 0o644); err != nil {
		return err
	}

	fileData, err := yaml.Marshal(fileIndexCopy)
	if err != nil {
		return fmt.Errorf("catalog: marshal file_index: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(c.dataRoot, indexDir, "file_index.yaml"), fileData, 0o644); err != nil {
		return err
	}

	metaData, err := yaml.Marshal(metaIndexCopy)
	if err != nil {
		return fmt.Errorf("catalog: marshal metadata_index: %w", err)
	}
	if err := atomicfile.Write(filepath.Join(c.dataRoot, indexDir, "metadata_index.yaml"), metaData, 0o644); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}

// Lookup returns the current content and metadata for hash, or
// os.ErrNotExist if absent from the catalog.
func (c *Catalog) Lookup(hash string) ([]byte, *domain.ResourceMeta, error) {
	c.mu.Lock()
	rel, ok := c.fileIndex[hash]
	metaRel := c.metadataIndex[hash]
	c.mu.Unlock()
	if !ok {
		return nil, nil, os.ErrNotExist
	}

	full, err := c.resolvePath(rel)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: read %s: %w", full, err)
	}

	var meta *domain.ResourceMeta
	if metaRel != "" {
		if metaFull, err := c.resolvePath(metaRel); err == nil {
			if data, err := os.ReadFile(metaFull); err == nil {
				meta = &domain.ResourceMeta{}
				yaml.Unmarshal(data, meta)
			}
		}
	}
	return content, meta, nil
}

// LoadBytes satisfies index.ResourceLoader: it reads a resource's content
// by hash without also loading the sidecar metadata.
func (c *Catalog) LoadBytes(hash string) ([]byte, error) {
	content, _, err := c.Lookup(hash)
	return content, err
}

// Snapshot returns a point-in-time copy of every catalog resource,
// tombstoned rows included, safe for readers to range over without
// holding the catalog's lock. Consumers that must skip soft-deleted
// resources (index sync, document listings) filter on Tombstoned.
func (c *Catalog) Snapshot() []domain.Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// Tombstone marks a resource soft-deleted: it stays in the catalog (for GC
// bookkeeping) but is excluded from index sync until GC removes it.
func (c *Catalog) Tombstone(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resources[hash]; ok {
		r.Tombstoned = true
		c.resources[hash] = r
		c.dirty = true
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
