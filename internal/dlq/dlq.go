// Package dlq keeps jobs that exhausted their retries in Redis so operators can
// inspect, replay, and eventually archive them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rule-engine/internal/apperr"
	"rule-engine/internal/archive"
	"rule-engine/internal/models"
	"rule-engine/internal/queue"
)

const (
	entryPrefix = "dlq:entry:"
	indexKey    = "dlq:index"
	summaryKey  = "dlq:summary"
	countersKey = "dlq:counters"

	retryAttempts = 3
	retryBackoff  = 2 * time.Second
	scanBatch     = 100
)

// Enqueuer puts a job back on a broker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, data []byte, opts queue.AddOptions) (string, error)
}

// Options tunes a DLQ.
type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Archiver    archive.Archiver
}

// Filter narrows GetDLQEntries. Zero values match everything.
type Filter struct {
	Queue    string
	CanRetry *bool
	UserID   string
}

// RetryOptions tune a replay.
type RetryOptions struct {
	Delay         time.Duration
	Priority      string
	RemoveFromDLQ bool
}

// RetryResult reports a replay.
type RetryResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Criteria select entries for BatchRetry. Zero values match everything.
type Criteria struct {
	Queue        string
	ErrorPattern *regexp.Regexp
	MaxAge       time.Duration
}

// BatchResult counts a batch replay.
type BatchResult struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Stats summarises the DLQ from exact counters.
type Stats struct {
	TotalEntries     int64            `json:"total_entries"`
	EntriesByQueue   map[string]int64 `json:"entries_by_queue"`
	EntriesByError   map[string]int64 `json:"entries_by_error"`
	OldestEntry      *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry      *time.Time       `json:"newest_entry,omitempty"`
	RetryableEntries int64            `json:"retryable_entries"`
}

type summary struct {
	Queue     string `json:"q"`
	ErrorKind string `json:"e"`
	Retryable bool   `json:"r"`
}

// DLQ is the Redis-backed dead letter queue.
type DLQ struct {
	client      *redis.Client
	enq         Enqueuer
	archiver    archive.Archiver
	ttl         time.Duration
	maxAttempts int
	timeNow     func() time.Time
	log         *zap.SugaredLogger

	// remove deletes a replayed entry. Defaults to Remove.
	remove func(ctx context.Context, id string) error
}

// New builds a DLQ. enq may be nil, in which case replays fail.
func New(client *redis.Client, enq Enqueuer, opts Options, log *zap.SugaredLogger) *DLQ {
	if opts.TTL <= 0 {
		opts.TTL = 30 * 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &DLQ{
		client:      client,
		enq:         enq,
		archiver:    opts.Archiver,
		ttl:         opts.TTL,
		maxAttempts: opts.MaxAttempts,
		timeNow:     time.Now,
		log:         log.Named("dlq"),
	}
	d.remove = d.Remove
	return d
}

// WithClock overrides the time source.
func (d *DLQ) WithClock(now func() time.Time) *DLQ {
	d.timeNow = now
	return d
}

// CanRetry reports whether a failure may be replayed.
func (d *DLQ) CanRetry(cause error, attempts int) bool {
	return attempts < d.maxAttempts && apperr.Retryable(cause)
}

// AddToDLQ stores a failed job and returns its DLQ id.
func (d *DLQ) AddToDLQ(ctx context.Context, originalQueue, jobName string, data json.RawMessage, cause error, attempts int, meta models.JobMeta) (string, error) {
	if cause == nil {
		cause = apperr.New(apperr.KindSystem, "unknown error")
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	now := d.timeNow().UTC()
	kind := apperr.KindOf(cause)
	entry := models.DLQEntry{
		ID:            "dlq_" + uuid.NewString(),
		OriginalQueue: originalQueue,
		JobName:       jobName,
		JobData:       data,
		Error: models.DLQError{
			Message:   cause.Error(),
			Kind:      kind.String(),
			Stack:     apperr.Stack(cause),
			Timestamp: now,
		},
		Attempts:      attempts,
		FirstFailedAt: now,
		LastFailedAt:  now,
		CanRetry:      d.CanRetry(cause, attempts),
		Metadata:      meta,
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dlq entry: %w", err)
	}
	sum, _ := json.Marshal(summary{Queue: originalQueue, ErrorKind: entry.Error.Kind, Retryable: entry.CanRetry})

	pipe := d.client.TxPipeline()
	pipe.SetEx(ctx, entryPrefix+entry.ID, body, d.ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(now.UnixMilli()), Member: entry.ID})
	pipe.HSet(ctx, summaryKey, entry.ID, sum)
	pipe.HIncrBy(ctx, countersKey, "total", 1)
	pipe.HIncrBy(ctx, countersKey, "queue:"+originalQueue, 1)
	pipe.HIncrBy(ctx, countersKey, "error:"+entry.Error.Kind, 1)
	if entry.CanRetry {
		pipe.HIncrBy(ctx, countersKey, "retryable", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store dlq entry: %w", err)
	}
	d.log.Warnw("job dead-lettered",
		"dlq_id", entry.ID, "queue", originalQueue, "job", jobName, "attempts", attempts,
		"can_retry", entry.CanRetry, "rule_id", meta.RuleID, "error", entry.Error.Message)
	return entry.ID, nil
}

// loadEntries fetches entries by id in order. Ids whose entry expired are
// returned separately.
func (d *DLQ) loadEntries(ctx context.Context, ids []string) ([]models.DLQEntry, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryPrefix + id
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}
	entries := make([]models.DLQEntry, 0, len(ids))
	var expired []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var e models.DLQEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			d.log.Warnw("skipping corrupt dlq entry", "dlq_id", ids[i], "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, expired, nil
}

func (f Filter) match(e models.DLQEntry) bool {
	if f.Queue != "" && e.OriginalQueue != f.Queue {
		return false
	}
	if f.CanRetry != nil && e.CanRetry != *f.CanRetry {
		return false
	}
	if f.UserID != "" && e.Metadata.UserID != f.UserID {
		return false
	}
	return true
}

// GetDLQEntries returns one page of entries, newest first, filtered after the
// page is read. It also returns the total number of indexed entries.
func (d *DLQ) GetDLQEntries(ctx context.Context, offset, limit int, f Filter) ([]models.DLQEntry, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := d.client.ZRevRange(ctx, indexKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read dlq index: %w", err)
	}
	entries, expired, err := d.loadEntries(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("read dlq entries: %w", err)
	}
	if len(expired) > 0 {
		d.removeIDs(ctx, expired)
	}
	out := entries[:0]
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	total, err := d.client.ZCard(ctx, indexKey).Result()
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetEntry returns one entry.
func (d *DLQ) GetEntry(ctx context.Context, id string) (*models.DLQEntry, error) {
	raw, err := d.client.Get(ctx, entryPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, apperr.Newf(apperr.KindNotFound, "dlq entry %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read dlq entry: %w", err)
	}
	var e models.DLQEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode dlq entry: %w", err)
	}
	return &e, nil
}

// RetryJob puts an entry back on its original queue under a fresh job id.
// Ineligible or missing entries yield Success false and a tagged error.
func (d *DLQ) RetryJob(ctx context.Context, id string, opts RetryOptions) (RetryResult, error) {
	e, err := d.GetEntry(ctx, id)
	if err != nil {
		return RetryResult{Error: err.Error()}, err
	}
	if !e.CanRetry {
		err := apperr.Newf(apperr.KindValidation, "dlq entry %s cannot be retried", id)
		return RetryResult{Error: err.Error()}, err
	}
	if d.enq == nil {
		err := apperr.New(apperr.KindSystem, "no broker available for dlq retry")
		return RetryResult{Error: err.Error()}, err
	}
	priority := opts.Priority
	if priority == "" {
		priority = e.Metadata.Priority
	}
	jobID, err := d.enq.Enqueue(ctx, e.OriginalQueue, e.JobName, e.JobData, queue.AddOptions{
		JobID:    "retry-" + uuid.NewString(),
		Delay:    opts.Delay,
		Priority: priority,
		Attempts: retryAttempts,
		Backoff:  retryBackoff,
	})
	if err != nil {
		err = fmt.Errorf("re-enqueue dlq entry %s: %w", id, err)
		return RetryResult{Error: err.Error()}, err
	}
	if opts.RemoveFromDLQ {
		if err := d.remove(ctx, id); err != nil {
			d.log.Warnw("retried entry could not be removed", "dlq_id", id, "error", err)
		}
	}
	d.log.Infow("dlq entry retried", "dlq_id", id, "job_id", jobID, "queue", e.OriginalQueue)
	return RetryResult{Success: true, JobID: jobID}, nil
}

// Remove deletes one entry and updates the counters.
func (d *DLQ) Remove(ctx context.Context, id string) error {
	n, err := d.removeIDs(ctx, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.KindNotFound, "dlq entry %s not found", id)
	}
	return nil
}

// removeIDs deletes entries, index members and summaries, decrementing the
// counters for each summary found. It returns how many summaries existed.
func (d *DLQ) removeIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	vals, err := d.client.HMGet(ctx, summaryKey, ids...).Result()
	if err != nil {
		return 0, err
	}
	pipe := d.client.TxPipeline()
	removed := 0
	for i, id := range ids {
		pipe.Del(ctx, entryPrefix+id)
		pipe.ZRem(ctx, indexKey, id)
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		removed++
		pipe.HDel(ctx, summaryKey, id)
		var sum summary
		if err := json.Unmarshal([]byte(s), &sum); err != nil {
			continue
		}
		pipe.HIncrBy(ctx, countersKey, "total", -1)
		pipe.HIncrBy(ctx, countersKey, "queue:"+sum.Queue, -1)
		pipe.HIncrBy(ctx, countersKey, "error:"+sum.ErrorKind, -1)
		if sum.Retryable {
			pipe.HIncrBy(ctx, countersKey, "retryable", -1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove dlq entries: %w", err)
	}
	return removed, nil
}

// GetDLQStats reads the exact counters and the index bounds.
func (d *DLQ) GetDLQStats(ctx context.Context) (Stats, error) {
	counters, err := d.client.HGetAll(ctx, countersKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("read dlq counters: %w", err)
	}
	st := Stats{EntriesByQueue: map[string]int64{}, EntriesByError: map[string]int64{}}
	for field, raw := range counters {
		n, _ := strconv.ParseInt(raw, 10, 64)
		if n <= 0 {
			continue
		}
		switch {
		case field == "total":
			st.TotalEntries = n
		case field == "retryable":
			st.RetryableEntries = n
		case strings.HasPrefix(field, "queue:"):
			st.EntriesByQueue[strings.TrimPrefix(field, "queue:")] = n
		case strings.HasPrefix(field, "error:"):
			st.EntriesByError[strings.TrimPrefix(field, "error:")] = n
		}
	}
	oldest, err := d.client.ZRangeWithScores(ctx, indexKey, 0, 0).Result()
	if err != nil {
		return Stats{}, err
	}
	if len(oldest) == 1 {
		t := time.UnixMilli(int64(oldest[0].Score)).UTC()
		st.OldestEntry = &t
	}
	newest, err := d.client.ZRevRangeWithScores(ctx, indexKey, 0, 0).Result()
	if err != nil {
		return Stats{}, err
	}
	if len(newest) == 1 {
		t := time.UnixMilli(int64(newest[0].Score)).UTC()
		st.NewestEntry = &t
	}
	return st, nil
}

// CleanupOldEntries removes entries that failed more than olderThanDays ago.
// When an archiver is configured the removed entries are archived first and
// nothing is deleted if archiving fails.
func (d *DLQ) CleanupOldEntries(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	now := d.timeNow().UTC()
	cutoff := now.Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	ids, err := d.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read dlq index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if d.archiver != nil {
		entries, _, err := d.loadEntries(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("read dlq entries: %w", err)
		}
		if len(entries) > 0 {
			body, err := json.Marshal(entries)
			if err != nil {
				return 0, fmt.Errorf("marshal archive: %w", err)
			}
			key := fmt.Sprintf("dlq/%s-%d.json", now.Format("2006-01-02"), now.UnixMilli())
			loc, err := d.archiver.Archive(ctx, key, body)
			if err != nil {
				return 0, fmt.Errorf("archive dlq entries: %w", err)
			}
			d.log.Infow("archived dlq entries", "count", len(entries), "location", loc)
		}
	}
	if _, err := d.removeIDs(ctx, ids); err != nil {
		return 0, err
	}
	d.log.Infow("dlq cleanup finished", "removed", len(ids), "older_than_days", olderThanDays)
	return len(ids), nil
}

func (c Criteria) match(e models.DLQEntry, now time.Time) bool {
	if c.Queue != "" && e.OriginalQueue != c.Queue {
		return false
	}
	if c.ErrorPattern != nil && !c.ErrorPattern.MatchString(e.Error.Message) {
		return false
	}
	if c.MaxAge > 0 && e.LastFailedAt.Before(now.Add(-c.MaxAge)) {
		return false
	}
	return e.CanRetry
}

// BatchRetry replays up to limit matching entries, newest first, removing
// each one that was re-enqueued. Every entry is replayed at most once per
// call, even when its removal fails and it stays in the index.
func (d *DLQ) BatchRetry(ctx context.Context, c Criteria, limit int) (BatchResult, error) {
	var res BatchResult
	if limit <= 0 {
		limit = 100
	}
	now := d.timeNow()
	seen := make(map[string]struct{})
	var start int64
	for res.Retried+res.Failed < limit {
		ids, err := d.client.ZRevRange(ctx, indexKey, start, start+scanBatch-1).Result()
		if err != nil {
			return res, fmt.Errorf("read dlq index: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		start += int64(len(ids))
		entries, _, err := d.loadEntries(ctx, ids)
		if err != nil {
			return res, err
		}
		for _, e := range entries {
			if res.Retried+res.Failed >= limit {
				break
			}
			if _, ok := seen[e.ID]; ok || !c.match(e, now) {
				continue
			}
			seen[e.ID] = struct{}{}
			if r, _ := d.RetryJob(ctx, e.ID, RetryOptions{RemoveFromDLQ: true}); r.Success {
				res.Retried++
			} else {
				res.Failed++
			}
		}
		// Entries that left the index shift the remaining ones towards the front.
		gone, err := d.countGone(ctx, ids)
		if err != nil {
			return res, err
		}
		start -= gone
	}
	return res, nil
}

// countGone reports how many of ids are no longer indexed.
func (d *DLQ) countGone(ctx context.Context, ids []string) (int64, error) {
	pipe := d.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZScore(ctx, indexKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("read dlq index: %w", err)
	}
	var gone int64
	for _, cmd := range cmds {
		if cmd.Err() == redis.Nil {
			gone++
		}
	}
	return gone, nil
}

// CleanupHandler returns the maintenance job handler that runs CleanupOldEntries.
func (d *DLQ) CleanupHandler(olderThanDays int) queue.Handler {
	return func(ctx context.Context, _ *models.Job) error {
		_, err := d.CleanupOldEntries(ctx, olderThanDays)
		return err
	}
}
