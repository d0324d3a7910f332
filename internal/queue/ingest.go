package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/fabric/internal/util"
	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/diff"
	"github.com/OFFIS-RIT/fabric/pkg/graph"
	"github.com/OFFIS-RIT/fabric/pkg/leaselock"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/resolve"
)

// BatchMessage is one ingestion batch from a source adapter: the full
// current record set of that source, already normalized into facts.
type BatchMessage struct {
	SourceName string `json:"source_name"`
	BatchID    string `json:"batch_id"`
	// KeyField names the identifier scheme used as the per-source
	// snapshot key. Facts lacking it are keyed by primary name.
	KeyField string                `json:"key_field"`
	Facts    []common.IncomingFact `json:"facts"`
}

// ReviewTask is queued to the review queue for every resolution that
// needs a human decision: provisional entities with a suggested
// duplicate and flagged identifier conflicts.
type ReviewTask struct {
	EntityID             string `json:"entity_id"`
	Outcome              string `json:"outcome"`
	SuggestedDuplicateID string `json:"suggested_duplicate_id,omitempty"`
	SourceName           string `json:"source_name"`
	BatchID              string `json:"batch_id"`
	SourceRecordID       string `json:"source_record_id,omitempty"`
}

// IngestResult is published to the "fabric.ingest.completed" topic after
// a batch finishes.
type IngestResult struct {
	SourceName string `json:"source_name"`
	BatchID    string `json:"batch_id"`

	Matched     int `json:"matched"`
	Created     int `json:"created"`
	Provisional int `json:"provisional"`
	Flagged     int `json:"flagged"`
	Unchanged   int `json:"unchanged"`
	Rejected    int `json:"rejected"`
	Degraded    int `json:"degraded"`
	Edges       int `json:"edges"`

	DiffAdded    int `json:"diff_added"`
	DiffRemoved  int `json:"diff_removed"`
	DiffModified int `json:"diff_modified"`

	DurationMs int64 `json:"duration_ms"`
}

// ProcessBatchMessage runs one batch through resolution, graph linking
// and the per-source diff. The whole batch runs under a source lease so
// two workers never interleave facts or diffs of the same source.
//
// Malformed facts are rejected and logged, the batch continues. Storage
// or infrastructure errors abort the batch and bubble up to the retry
// machinery, which is safe: re-resolving an already applied fact is a
// no-op.
func ProcessBatchMessage(
	ctx context.Context,
	engine *resolve.Engine,
	builder *graph.Builder,
	tracker *diff.Tracker,
	locks *leaselock.Client,
	ch *amqp091.Channel,
	msg string,
) error {
	data := new(BatchMessage)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}
	if data.SourceName == "" {
		logger.Warn("[Ingest] Dropping batch without source name", "batch_id", data.BatchID)
		return nil
	}

	return locks.WithLease(ctx, "ingest:"+data.SourceName, leaselock.Options{
		TTL:  10 * time.Minute,
		Wait: true,
	}, func(ctx context.Context) error {
		return processBatch(ctx, engine, builder, tracker, ch, data)
	})
}

func processBatch(
	ctx context.Context,
	engine *resolve.Engine,
	builder *graph.Builder,
	tracker *diff.Tracker,
	ch *amqp091.Channel,
	data *BatchMessage,
) error {
	start := time.Now()
	result := IngestResult{
		SourceName: data.SourceName,
		BatchID:    data.BatchID,
	}

	accepted := make([]common.IncomingFact, 0, len(data.Facts))
	var review []ReviewTask

	for i := range data.Facts {
		fact := data.Facts[i]
		if fact.Provenance.SourceName == "" {
			fact.Provenance.SourceName = data.SourceName
		}
		if fact.Provenance.BatchID == "" {
			fact.Provenance.BatchID = data.BatchID
		}

		res, err := engine.Resolve(ctx, fact)
		if err != nil {
			if resolve.IsRecordError(err) {
				logger.Warn("[Ingest] Rejected malformed fact",
					"source", data.SourceName,
					"record", fact.Provenance.SourceRecordID,
					"err", err,
				)
				result.Rejected++
				continue
			}
			return err
		}

		switch res.Outcome {
		case resolve.OutcomeMatched:
			result.Matched++
		case resolve.OutcomeCreated:
			result.Created++
		case resolve.OutcomeProvisional:
			result.Provisional++
		case resolve.OutcomeFlagged:
			result.Flagged++
		}
		if res.Outcome == resolve.OutcomeProvisional || res.Outcome == resolve.OutcomeFlagged {
			review = append(review, ReviewTask{
				EntityID:             res.EntityID,
				Outcome:              string(res.Outcome),
				SuggestedDuplicateID: res.SuggestedDuplicateID,
				SourceName:           data.SourceName,
				BatchID:              data.BatchID,
				SourceRecordID:       fact.Provenance.SourceRecordID,
			})
		}
		if res.Unchanged {
			result.Unchanged++
		}
		if res.Degraded {
			result.Degraded++
		}

		if len(fact.Relationships) > 0 {
			edges, err := builder.Link(ctx, res.EntityID, fact.Relationships, fact.Provenance)
			if err != nil {
				return err
			}
			result.Edges += len(edges)
		}

		accepted = append(accepted, fact)
	}

	snapDiff, err := tracker.ComputeDiff(ctx, data.SourceName, accepted, data.KeyField)
	if err != nil {
		return err
	}
	result.DiffAdded = len(snapDiff.Added)
	result.DiffRemoved = len(snapDiff.Removed)
	result.DiffModified = len(snapDiff.Modified)
	result.DurationMs = time.Since(start).Milliseconds()

	logger.Info("[Ingest] Batch complete",
		"source", data.SourceName,
		"batch_id", data.BatchID,
		"facts", len(data.Facts),
		"matched", result.Matched,
		"created", result.Created,
		"provisional", result.Provisional,
		"flagged", result.Flagged,
		"rejected", result.Rejected,
		"removed", result.DiffRemoved,
	)

	// The batch itself is committed at this point; a missed review task
	// or event is not worth a replay that would re-run the whole diff.
	// Review entities stay queryable in the store either way.
	for _, task := range review {
		body, err := json.Marshal(task)
		if err != nil {
			return err
		}
		err = util.RetryErrWithContext(ctx, 3, func(context.Context) error {
			return PublishFIFO(ch, ReviewQueue, body)
		})
		if err != nil {
			logger.Error("[Ingest] Failed to queue review task",
				"source", data.SourceName,
				"entity", task.EntityID,
				"err", err,
			)
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	err = util.RetryErrWithContext(ctx, 3, func(context.Context) error {
		return PublishTopic(ch, "fabric.ingest.completed", payload)
	})
	if err != nil {
		logger.Error("[Ingest] Failed to publish completion event",
			"source", data.SourceName,
			"batch_id", data.BatchID,
			"err", err,
		)
	}

	return nil
}
