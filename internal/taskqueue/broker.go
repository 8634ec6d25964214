package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// Broker owns the Redis connection and the runtime key scheme. It is shared
// by submitters (orchestrator, CLI) and consumers (workers) and is safe for
// concurrent use.
type Broker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBroker connects to Redis. The TTL bounds every bookkeeping key the
// runtime writes (results, group slots, revocation marks) so abandoned runs
// age out on their own.
func NewBroker(cfg config.RedisConfig) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Broker{rdb: rdb, ttl: cfg.KeyTTLDuration()}
}

// NewBrokerWithClient wraps an existing client (tests).
func NewBrokerWithClient(rdb *redis.Client, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Broker{rdb: rdb, ttl: ttl}
}

// Ping verifies the connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return ferrors.TaskError("redis unreachable").WithCause(err).Build()
	}
	return nil
}

// Close closes the underlying client.
func (b *Broker) Close() error { return b.rdb.Close() }

// fillDefaults stamps identity onto an envelope before it hits the wire. A
// top-level submission with no correlation id mints one; everything
// downstream inherits.
func fillDefaults(env *Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.Attempt <= 0 {
		env.Attempt = 1
	}
	if env.SubmittedAt.IsZero() {
		env.SubmittedAt = time.Now().UTC()
	}
}

// Submit enqueues an envelope onto its queue. The envelope is stamped with
// defaults in place so the caller keeps the generated ids.
func (b *Broker) Submit(ctx context.Context, env *Envelope) error {
	fillDefaults(env)
	data, err := json.Marshal(env)
	if err != nil {
		return ferrors.TaskError("marshal envelope").WithCause(err).
			WithContext("task", env.Task).Build()
	}
	if err := b.rdb.LPush(ctx, queueKey(env.Queue), data).Err(); err != nil {
		return ferrors.TaskError("enqueue task").WithCause(err).
			WithContext("task", env.Task).WithContext("queue", env.Queue).Build()
	}
	return nil
}

// SubmitDelayed parks an envelope on the delayed set, scored by its ready
// time. The scheduler promotes it onto its queue once due.
func (b *Broker) SubmitDelayed(ctx context.Context, env *Envelope, delay time.Duration) error {
	fillDefaults(env)
	data, err := json.Marshal(env)
	if err != nil {
		return ferrors.TaskError("marshal envelope").WithCause(err).
			WithContext("task", env.Task).Build()
	}
	ready := float64(time.Now().Add(delay).UnixMilli())
	if err := b.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: ready, Member: string(data)}).Err(); err != nil {
		return ferrors.TaskError("park delayed task").WithCause(err).
			WithContext("task", env.Task).Build()
	}
	return nil
}

// Pop blocks up to timeout waiting for an envelope on the queue. Returns
// (nil, nil) when the timeout elapses empty.
func (b *Broker) Pop(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	vals, err := b.rdb.BRPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferrors.TaskError("pop task").WithCause(err).
			WithContext("queue", queue).Build()
	}
	var env Envelope
	if err := json.Unmarshal([]byte(vals[1]), &env); err != nil {
		return nil, ferrors.TaskError("decode envelope").WithCause(err).
			WithContext("queue", queue).Build()
	}
	return &env, nil
}

// PromoteDelayed moves every due envelope from the delayed set onto its
// queue. Concurrent schedulers race on ZRem; only the winner enqueues, so an
// envelope is promoted exactly once. Returns the number promoted by this
// caller.
func (b *Broker) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	members, err := b.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, ferrors.TaskError("scan delayed tasks").WithCause(err).Build()
	}
	promoted := 0
	for _, member := range members {
		removed, err := b.rdb.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return promoted, ferrors.TaskError("claim delayed task").WithCause(err).Build()
		}
		if removed == 0 {
			continue // another scheduler won the claim
		}
		var env Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			continue // unparseable member is dropped with the claim
		}
		if err := b.rdb.LPush(ctx, queueKey(env.Queue), member).Err(); err != nil {
			return promoted, ferrors.TaskError("promote delayed task").WithCause(err).
				WithContext("queue", env.Queue).Build()
		}
		promoted++
	}
	return promoted, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// StoreResult persists a terminal result under the task id with the
// bookkeeping TTL.
func (b *Broker) StoreResult(ctx context.Context, res *Result) error {
	if res.EndedAt.IsZero() {
		res.EndedAt = time.Now().UTC()
	}
	data, err := json.Marshal(res)
	if err != nil {
		return ferrors.TaskError("marshal result").WithCause(err).
			WithContext("task", res.Task).Build()
	}
	if err := b.rdb.Set(ctx, resultKey(res.TaskID), data, b.ttl).Err(); err != nil {
		return ferrors.TaskError("store result").WithCause(err).
			WithContext("task", res.Task).Build()
	}
	return nil
}

// GetResult loads a stored result; (nil, nil) when the task has no terminal
// result yet.
func (b *Broker) GetResult(ctx context.Context, taskID string) (*Result, error) {
	data, err := b.rdb.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.TaskError("load result").WithCause(err).
			WithContext("task_id", taskID).Build()
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, ferrors.TaskError("decode result").WithCause(err).
			WithContext("task_id", taskID).Build()
	}
	return &res, nil
}

// WaitResult polls for a terminal result until the context expires.
func (b *Broker) WaitResult(ctx context.Context, taskID string, poll time.Duration) (*Result, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		res, err := b.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AppendResult pushes an intermediate payload onto the correlation result
// list. Aggregation callbacks drain the list; the TTL covers abandoned runs.
func (b *Broker) AppendResult(ctx context.Context, correlationID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ferrors.TaskError("marshal intermediate result").WithCause(err).Build()
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, corrKey(correlationID), data)
	pipe.Expire(ctx, corrKey(correlationID), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.TaskError("append correlation result").WithCause(err).
			WithContext("correlation_id", correlationID).Build()
	}
	return nil
}

// DrainResults atomically reads and deletes the correlation result list, in
// append order. A second drain returns empty.
func (b *Broker) DrainResults(ctx context.Context, correlationID string) ([]json.RawMessage, error) {
	pipe := b.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, corrKey(correlationID), 0, -1)
	pipe.Del(ctx, corrKey(correlationID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, ferrors.TaskError("drain correlation results").WithCause(err).
			WithContext("correlation_id", correlationID).Build()
	}
	raw := rangeCmd.Val()
	out := make([]json.RawMessage, len(raw))
	for i, item := range raw {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}

// initChord seeds the pending counter before any member is submitted, so a
// member finishing instantly cannot observe a missing counter.
func (b *Broker) initChord(ctx context.Context, chordID string, size int) error {
	if err := b.rdb.Set(ctx, chordPendingKey(chordID), size, b.ttl).Err(); err != nil {
		return ferrors.TaskError("init chord").WithCause(err).
			WithContext("chord_id", chordID).Build()
	}
	return nil
}

// setGroupSlot writes one member's terminal result into its ordered slot.
func (b *Broker) setGroupSlot(ctx context.Context, groupID string, index int, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return ferrors.TaskError("marshal group result").WithCause(err).Build()
	}
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, groupKey(groupID), strconv.Itoa(index), data)
	pipe.Expire(ctx, groupKey(groupID), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.TaskError("store group result").WithCause(err).
			WithContext("group_id", groupID).Build()
	}
	return nil
}

// decrChordPending decrements the chord's pending counter, returning the
// remaining count.
func (b *Broker) decrChordPending(ctx context.Context, chordID string) (int64, error) {
	n, err := b.rdb.Decr(ctx, chordPendingKey(chordID)).Result()
	if err != nil {
		return 0, ferrors.TaskError("decrement chord pending").WithCause(err).
			WithContext("chord_id", chordID).Build()
	}
	return n, nil
}

// GroupResults assembles the ordered member results of a finished group.
// Slots never written (should not happen) stay nil.
func (b *Broker) GroupResults(ctx context.Context, groupID string, size int) ([]*Result, error) {
	entries, err := b.rdb.HGetAll(ctx, groupKey(groupID)).Result()
	if err != nil {
		return nil, ferrors.TaskError("load group results").WithCause(err).
			WithContext("group_id", groupID).Build()
	}
	out := make([]*Result, size)
	for field, data := range entries {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 0 || idx >= size {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			continue
		}
		out[idx] = &res
	}
	return out, nil
}

// cleanupGroup deletes the slot hash and pending counter of a settled chord.
func (b *Broker) cleanupGroup(ctx context.Context, groupID, chordID string) {
	_ = b.rdb.Del(ctx, groupKey(groupID)).Err()
	if chordID != "" {
		_ = b.rdb.Del(ctx, chordPendingKey(chordID)).Err()
	}
}

// Revoke marks a task id so workers drop its envelope instead of executing.
// Only affects envelopes not yet picked up.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	if err := b.rdb.Set(ctx, revokedKey(taskID), "1", b.ttl).Err(); err != nil {
		return ferrors.TaskError("revoke task").WithCause(err).
			WithContext("task_id", taskID).Build()
	}
	return nil
}

// IsRevoked checks the revocation mark.
func (b *Broker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return false, ferrors.TaskError("check revocation").WithCause(err).
			WithContext("task_id", taskID).Build()
	}
	return n > 0, nil
}

// QueueDepth returns the number of envelopes waiting on a queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, ferrors.TaskError("read queue depth").WithCause(err).
			WithContext("queue", queue).Build()
	}
	return n, nil
}

// DeadLetter records an envelope whose failure was terminal, for operator
// inspection. The list is capped so it cannot grow without bound.
func (b *Broker) DeadLetter(ctx context.Context, env *Envelope, res *Result) error {
	entry := deadLetterEntry{Envelope: env, Result: res}
	data, err := json.Marshal(entry)
	if err != nil {
		return ferrors.TaskError("marshal dead letter").WithCause(err).Build()
	}
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, deadKey, data)
	pipe.LTrim(ctx, deadKey, 0, deadLetterCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return ferrors.TaskError("store dead letter").WithCause(err).Build()
	}
	return nil
}

// DeadLetters returns up to limit most recent dead letters.
func (b *Broker) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 || limit > deadLetterCap {
		limit = deadLetterCap
	}
	raw, err := b.rdb.LRange(ctx, deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, ferrors.TaskError("load dead letters").WithCause(err).Build()
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var entry deadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, DeadLetter(entry))
	}
	return out, nil
}

// ClearDeadLetters drops the dead letter list.
func (b *Broker) ClearDeadLetters(ctx context.Context) error {
	if err := b.rdb.Del(ctx, deadKey).Err(); err != nil {
		return ferrors.TaskError("clear dead letters").WithCause(err).Build()
	}
	return nil
}

const deadLetterCap = 1000

type deadLetterEntry struct {
	Envelope *Envelope `json:"envelope"`
	Result   *Result   `json:"result"`
}

// DeadLetter pairs a terminally failed envelope with its recorded result.
type DeadLetter struct {
	Envelope *Envelope `json:"envelope"`
	Result   *Result   `json:"result"`
}
