package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/engine/index"
	"github.com/nats-io/nats.go"
)

const (
	// SubmissionSubject is the NATS subject collectors publish raw
	// Submissions to when run out-of-process from the scheduler (e.g. a
	// one-off backfill job).
	SubmissionSubject = "ingest.submission"
	// DLQSubject receives submissions that failed MaxRetries times.
	DLQSubject = "ingest.submission.dlq"
	// MaxRetries before a submission is routed to the DLQ.
	MaxRetries = 3
	retryHeader = "X-Retry-Count"
)

// ConsumerDeps holds the external dependencies a Consumer writes through.
type ConsumerDeps struct {
	Catalog *catalog.Catalog
	Syncer  *index.Syncer
	Logger  *slog.Logger
}

type dlqMessage struct {
	Submission Submission `json:"submission"`
	Error      string     `json:"error"`
	Retries    int        `json:"retries"`
}

// StartConsumer subscribes to SubmissionSubject, persisting each Submission
// through the catalog and re-syncing the index. Failures are retried up to
// MaxRetries by republishing with an incremented retry-count header, then
// routed to DLQSubject.
func StartConsumer(nc *nats.Conn, deps ConsumerDeps) (*nats.Subscription, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(SubmissionSubject, func(msg *nats.Msg) {
		var sub Submission
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			log.Error("ingest: unmarshal submission failed", "error", err)
			return
		}

		ctx := context.Background()
		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		if err := processSubmission(ctx, deps, sub); err != nil {
			retries++
			log.Error("ingest: submission failed", "error", err, "hash", sub.Hash, "retry", retries)

			if retries >= MaxRetries {
				dlq := dlqMessage{Submission: sub, Error: err.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if pubErr := nc.Publish(DLQSubject, data); pubErr != nil {
					log.Error("ingest: DLQ publish failed", "error", pubErr)
				}
			} else {
				retryMsg := nats.NewMsg(SubmissionSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
				if pubErr := nc.PublishMsg(retryMsg); pubErr != nil {
					log.Error("ingest: retry publish failed", "error", pubErr)
				}
			}
		} else {
			log.Info("ingest: submission persisted", "hash", sub.Hash)
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

func processSubmission(ctx context.Context, deps ConsumerDeps, sub Submission) error {
	r := domain.Resource{
		Hash:        sub.Hash,
		DisplayName: sub.DisplayName,
		SourceType:  domain.SourceType(sub.SourceType),
		URL:         sub.URL,
		TicketID:    sub.TicketID,
		GitCommit:   sub.GitCommit,
		Suffix:      sub.Suffix,
		Extra:       sub.Extra,
	}
	meta := &domain.ResourceMeta{
		SourceURL:  sub.URL,
		SourceType: domain.SourceType(sub.SourceType),
		Title:      sub.Title,
		Author:     sub.Author,
		Extra:      sub.Extra,
	}

	if _, err := deps.Catalog.Persist(r, sub.Content, meta, sub.TargetDir); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := deps.Catalog.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if deps.Syncer != nil {
		if err := deps.Syncer.Sync(ctx, deps.Catalog.Snapshot()); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}
