package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/domain"
)

// ticket is the normalized shape a TicketCollector extracts from any
// ticketing backend's wire format before handing it to the catalog.
type ticket struct {
	ID      string
	Title   string
	Author  string
	Body    string
	Updated time.Time
}

// TicketFetcher lists tickets updated since a watermark. Concrete systems
// (Redmine, Jira, ...) implement this against their own REST API; the
// collector only needs the normalized result.
type TicketFetcher interface {
	FetchUpdatedSince(ctx context.Context, since time.Time) ([]ticket, error)
}

// TicketCollector pulls tickets from a helpdesk/issue-tracker system,
// keyed by the deterministic `{system}_{ticket_id}` hash so re-collecting
// an edited ticket overwrites the prior content at the same hash.
type TicketCollector struct {
	name    string
	system  string
	fetcher TicketFetcher
	since   time.Time
}

// NewTicketCollector constructs a TicketCollector against fetcher, which
// performs the system-specific HTTP calls.
func NewTicketCollector(name, system string, fetcher TicketFetcher) *TicketCollector {
	return &TicketCollector{name: name, system: system, fetcher: fetcher}
}

func (c *TicketCollector) Name() string { return c.name }

func (c *TicketCollector) Collect(ctx context.Context, cat *catalog.Catalog) error {
	tickets, err := c.fetcher.FetchUpdatedSince(ctx, c.since)
	if err != nil {
		return fmt.Errorf("ticket collector %s: %w", c.name, err)
	}

	var firstErr error
	latest := c.since
	for _, t := range tickets {
		hash := domain.TicketHash(c.system, t.ID)
		r := domain.Resource{
			Hash:       hash,
			SourceType: domain.SourceTicket,
			TicketID:   t.ID,
			Suffix:     ".txt",
		}
		meta := &domain.ResourceMeta{
			SourceType:  domain.SourceTicket,
			CollectedAt: time.Now(),
			Title:       t.Title,
			Author:      t.Author,
			Extra:       map[string]string{"system": c.system, "ticket_id": t.ID},
		}
		if _, err := cat.Persist(r, []byte(t.Body), meta, "tickets"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if t.Updated.After(latest) {
			latest = t.Updated
		}
	}
	c.since = latest

	if err := cat.Flush(); err != nil {
		return fmt.Errorf("ticket collector %s: flush: %w", c.name, err)
	}
	return firstErr
}

// RedmineFetcher fetches updated issues from a Redmine instance's REST API.
type RedmineFetcher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (f *RedmineFetcher) FetchUpdatedSince(ctx context.Context, since time.Time) ([]ticket, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	url := fmt.Sprintf("%s/issues.json?updated_on=%s&status_id=*", f.BaseURL, ">="+since.UTC().Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.APIKey != "" {
		req.Header.Set("X-Redmine-API-Key", f.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redmine fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("redmine fetch: status %d", resp.StatusCode)
	}

	var payload struct {
		Issues []struct {
			ID          int    `json:"id"`
			Subject     string `json:"subject"`
			Description string `json:"description"`
			Author      struct {
				Name string `json:"name"`
			} `json:"author"`
			UpdatedOn time.Time `json:"updated_on"`
		} `json:"issues"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	out := make([]ticket, len(payload.Issues))
	for i, issue := range payload.Issues {
		out[i] = ticket{
			ID:      fmt.Sprintf("%d", issue.ID),
			Title:   issue.Subject,
			Author:  issue.Author.Name,
			Body:    issue.Description,
			Updated: issue.UpdatedOn,
		}
	}
	return out, nil
}
