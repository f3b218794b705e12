package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/repository"
	"scout-sync/internal/shared/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const headOfEmptyStream = "0-0"

// RedisEventLog implements EventLog with one Redis Stream per collection,
// capped at an approximate maximum length. Stream entry ids are the cursors.
type RedisEventLog struct {
	client    redis.UniversalClient
	prefix    string
	maxLength int64
	logger    logger.Logger
}

var _ repository.EventLog = (*RedisEventLog)(nil)

// NewRedisEventLog creates a Redis-backed event log.
func NewRedisEventLog(client redis.UniversalClient, prefix string, maxLength int64, log logger.Logger) *RedisEventLog {
	return &RedisEventLog{
		client:    client,
		prefix:    prefix,
		maxLength: maxLength,
		logger:    logger.OrNop(log).WithComponent("redis_event_log"),
	}
}

func (r *RedisEventLog) stream(collection string) string {
	return r.prefix + collection
}

// Append stores the event JSON in the collection stream.
func (r *RedisEventLog) Append(ctx context.Context, event model.ChangeEvent) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode change event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.stream(event.Collection),
		Values: map[string]interface{}{
			"kind":     string(event.Kind),
			"recordId": event.RecordID,
			"event":    payload,
		},
	}
	if r.maxLength > 0 {
		args.MaxLen = r.maxLength
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		r.logger.Error("Failed to append change event",
			zap.String("stream", args.Stream),
			zap.String("recordId", event.RecordID),
			zap.Error(err))
		return "", err
	}
	return id, nil
}

// Since reads the entries after cursor. The window covers the cursor only if
// no entry newer than it has been trimmed, which Redis tracks as the stream's
// max deleted entry id.
func (r *RedisEventLog) Since(ctx context.Context, collection, cursor string) ([]repository.LoggedEvent, bool, error) {
	if _, _, err := parseStreamID(cursor); err != nil {
		return nil, false, nil
	}
	stream := r.stream(collection)

	info, err := r.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, cursor == headOfEmptyStream, nil
		}
		return nil, false, err
	}
	if compareStreamIDs(cursor, info.LastGeneratedID) > 0 {
		return nil, false, nil
	}
	if info.MaxDeletedEntryID != "" && compareStreamIDs(info.MaxDeletedEntryID, cursor) > 0 {
		return nil, false, nil
	}

	msgs, err := r.client.XRange(ctx, stream, "("+cursor, "+").Result()
	if err != nil {
		return nil, false, err
	}

	events := make([]repository.LoggedEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := parseEventMessage(msg)
		if err != nil {
			r.logger.Warn("Failed to parse change event from Redis message",
				zap.String("stream", stream),
				zap.String("messageId", msg.ID),
				zap.Error(err))
			return nil, false, nil
		}
		events = append(events, repository.LoggedEvent{Cursor: msg.ID, Event: ev})
	}

	r.logger.Debug("Replayed events from Redis",
		zap.String("stream", stream),
		zap.Int("eventCount", len(events)))
	return events, true, nil
}

func (r *RedisEventLog) Head(ctx context.Context, collection string) (string, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream(collection), "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return headOfEmptyStream, nil
	}
	return msgs[0].ID, nil
}

func parseEventMessage(msg redis.XMessage) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return ev, fmt.Errorf("message %s has no event field", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func parseStreamID(id string) (ms, seq uint64, err error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid stream id %q", id)
	}
	if ms, err = strconv.ParseUint(msPart, 10, 64); err != nil {
		return 0, 0, err
	}
	if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
		return 0, 0, err
	}
	return ms, seq, nil
}

func compareStreamIDs(a, b string) int {
	ams, aseq, _ := parseStreamID(a)
	bms, bseq, _ := parseStreamID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	}
	return 0
}
