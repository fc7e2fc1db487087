package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/domain"
	"golang.org/x/time/rate"
)

// linkPattern extracts href targets from raw HTML for breadth-first crawl
// expansion; deliberately naive, matching the HTML loader's dependency-free
// scan rather than pulling in a full DOM parser for link discovery alone.
var linkPattern = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)

// SSOFetcher retrieves a page through an authenticated browser session.
// The session itself is an external collaborator; the collector only
// consumes the fetched bytes.
type SSOFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// GitRouter hands a `git-` prefixed seed URL to the git collection path.
type GitRouter func(ctx context.Context, cat *catalog.Catalog, repoURL string) error

// WebCollector crawls a set of seed URLs up to a fixed depth, writing
// each fetched page through the catalog. Seed URLs prefixed `git-` are
// routed to the configured GitRouter, `sso-` through the configured
// SSOFetcher; either prefix with no handler configured is skipped with a
// log line.
type WebCollector struct {
	name        string
	seedURLs    []string
	maxDepth    int
	maxPages    int
	client      *http.Client
	rateLimiter *rate.Limiter
	sso         SSOFetcher
	gitRoute    GitRouter
}

// NewWebCollector constructs a WebCollector. rps bounds the crawl's request
// rate against a single host.
func NewWebCollector(name string, seedURLs []string, maxDepth int, rps float64) *WebCollector {
	if rps <= 0 {
		rps = 2
	}
	return &WebCollector{
		name:        name,
		seedURLs:    seedURLs,
		maxDepth:    maxDepth,
		client:      &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *WebCollector) Name() string { return c.name }

// WithMaxPages caps how many pages one collection round may persist;
// zero means unlimited.
func (c *WebCollector) WithMaxPages(n int) *WebCollector {
	c.maxPages = n
	return c
}

// WithGitRouter sets the handler for `git-` prefixed seed URLs.
func (c *WebCollector) WithGitRouter(r GitRouter) *WebCollector {
	c.gitRoute = r
	return c
}

// WithSSO sets the authenticated-session fetcher for `sso-` prefixed
// seed URLs.
func (c *WebCollector) WithSSO(f SSOFetcher) *WebCollector {
	c.sso = f
	return c
}

func (c *WebCollector) Collect(ctx context.Context, cat *catalog.Catalog) error {
	visited := make(map[string]bool)
	queue := make([]string, len(c.seedURLs))
	copy(queue, c.seedURLs)
	depth := make(map[string]int)
	for _, u := range queue {
		depth[u] = 0
	}

	var firstErr error
	pages := 0
	for len(queue) > 0 {
		if c.maxPages > 0 && pages >= c.maxPages {
			break
		}
		u := queue[0]
		queue = queue[1:]
		if visited[u] {
			continue
		}
		visited[u] = true

		if repoURL, ok := strings.CutPrefix(u, "git-"); ok {
			if c.gitRoute == nil {
				slog.Warn("web collector: git- seed with no git router configured", "url", u)
				continue
			}
			if err := c.gitRoute(ctx, cat, repoURL); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ssoURL, ok := strings.CutPrefix(u, "sso-"); ok {
			if c.sso == nil {
				slog.Warn("web collector: sso- seed with no session configured", "url", u)
				continue
			}
			if err := c.collectSSO(ctx, cat, ssoURL); err != nil && firstErr == nil {
				firstErr = err
			}
			pages++
			continue
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		body, links, err := c.fetch(ctx, u)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		hash := domain.ContentHash(domain.SourceWeb, body)
		r := domain.Resource{
			Hash:       hash,
			SourceType: domain.SourceWeb,
			URL:        u,
			Suffix:     ".html",
		}
		meta := &domain.ResourceMeta{
			SourceURL:   u,
			SourceType:  domain.SourceWeb,
			CollectedAt: time.Now(),
		}
		if _, err := cat.Persist(r, body, meta, "websites"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pages++

		if depth[u] >= c.maxDepth {
			continue
		}
		for _, link := range links {
			if !visited[link] {
				depth[link] = depth[u] + 1
				queue = append(queue, link)
			}
		}
	}

	if err := cat.Flush(); err != nil {
		return fmt.Errorf("web collector %s: flush: %w", c.name, err)
	}
	return firstErr
}

// collectSSO fetches one page through the authenticated session and
// persists it. SSO pages are leaf fetches: link expansion stays within
// the unauthenticated crawl.
func (c *WebCollector) collectSSO(ctx context.Context, cat *catalog.Catalog, rawURL string) error {
	body, err := c.sso.Fetch(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("sso fetch %s: %w", rawURL, err)
	}
	r := domain.Resource{
		Hash:       domain.ContentHash(domain.SourceSSO, body),
		SourceType: domain.SourceSSO,
		URL:        rawURL,
		Suffix:     ".html",
	}
	meta := &domain.ResourceMeta{
		SourceURL:   rawURL,
		SourceType:  domain.SourceSSO,
		CollectedAt: time.Now(),
	}
	if _, err := cat.Persist(r, body, meta, "websites"); err != nil {
		return err
	}
	return nil
}

// DefaultGitRouter clones each `git-` routed repository under workRoot
// and runs the standard git collection over it.
func DefaultGitRouter(workRoot string) GitRouter {
	return func(ctx context.Context, cat *catalog.Catalog, repoURL string) error {
		name := slugify(repoURL)
		c := NewGitCollector(name, repoURL, "", filepath.Join(workRoot, name))
		return c.Collect(ctx, cat)
	}
}

// slugify reduces a URL to a filesystem-safe directory name.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func (c *WebCollector) fetch(ctx context.Context, rawURL string) ([]byte, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return body, nil, nil
	}
	links := resolveLinks(base, body)
	return body, links, nil
}

func resolveLinks(base *url.URL, body []byte) []string {
	var out []string
	for _, m := range linkPattern.FindAllSubmatch(body, -1) {
		href := strings.TrimSpace(string(m[1]))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Host != base.Host {
			continue
		}
		resolved.Fragment = ""
		out = append(out, resolved.String())
	}
	return out
}
