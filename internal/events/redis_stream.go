package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/distqueue/distqueue/internal/kv"
)

// StreamSink appends events to the KV store's append-only log `stream`
// (§3.3, §4.7 path 2), replacing the teacher's Pub/Sub-based publisher:
// consumers read the log at their own pace instead of requiring a live
// subscriber.
type StreamSink struct {
	store *kv.Store
	key   string
}

func NewStreamSink(store *kv.Store) *StreamSink {
	return &StreamSink{store: store, key: "stream"}
}

// Append writes the event as a single stream entry with a
// server-assigned sequence number.
func (s *StreamSink) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	fields := map[string]interface{}{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp.Format(timeLayout),
		"task_id":   evt.TaskID,
		"worker_id": evt.WorkerID,
		"payload":   string(payload),
	}

	_, err = s.store.LogAppend(ctx, s.key, fields)
	return err
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
