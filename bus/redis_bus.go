package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/testorch/coordinator/core"
)

// Config names the Redis keys and timing parameters the bus uses. Queue
// names are configured externally (core.QueueConfig) so operators can
// namespace multiple deployments sharing one Redis instance.
type Config struct {
	DefaultQueue  string
	HighQueue     string
	CriticalQueue string
	DLQQueue      string

	MaxRetries int
	RetryDelay time.Duration

	LeasePrefix    string
	AttemptsPrefix string
	IdemPrefix     string
	AuditKey       string

	LeaseTTL    time.Duration
	AttemptsTTL time.Duration
	IdemTTL     time.Duration

	AuditRingSize int64
}

// DefaultConfig returns the key layout and timings described in §3 of the
// design: testorch:queue:{critical,high,default,dlq}, testorch:lease:<id>,
// testorch:attempts:<id>, testorch:idem:<key>, testorch:audit:agent-comm.
func DefaultConfig() Config {
	return Config{
		DefaultQueue:   "testorch:queue:default",
		HighQueue:      "testorch:queue:high",
		CriticalQueue:  "testorch:queue:critical",
		DLQQueue:       "testorch:queue:dlq",
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		LeasePrefix:    "testorch:lease:",
		AttemptsPrefix: "testorch:attempts:",
		IdemPrefix:     "testorch:idem:",
		AuditKey:       "testorch:audit:agent-comm",
		LeaseTTL:       10 * time.Minute,
		AttemptsTTL:    time.Hour,
		IdemTTL:        time.Hour,
		AuditRingSize:  1000,
	}
}

// ConfigFromCore maps core.QueueConfig onto a bus Config, keeping the
// lease/attempts/idem/audit key layout at its defaults.
func ConfigFromCore(q core.QueueConfig) Config {
	cfg := DefaultConfig()
	if q.Default != "" {
		cfg.DefaultQueue = q.Default
	}
	if q.High != "" {
		cfg.HighQueue = q.High
	}
	if q.Critical != "" {
		cfg.CriticalQueue = q.Critical
	}
	if q.DLQ != "" {
		cfg.DLQQueue = q.DLQ
	}
	if q.MaxRetries >= 0 {
		cfg.MaxRetries = q.MaxRetries
	}
	if q.RetryDelay > 0 {
		cfg.RetryDelay = q.RetryDelay
	}
	return cfg
}

// RedisBus implements Bus using Redis lists for the priority queues and
// DLQ, strings for leases/attempts/idempotency markers, and a trimmed
// list for the audit ring. Modeled on the teacher's RedisTaskQueue
// (LPUSH/BRPOP with retrying) and RedisTaskStore (SETNX-based
// idempotent writes, JSON-serialized values).
type RedisBus struct {
	client *redis.Client
	config Config
	logger core.Logger
}

// NewRedisBus creates a bus backed by an already-connected client.
func NewRedisBus(client *redis.Client, config Config, logger core.Logger) *RedisBus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("bus")
	}
	return &RedisBus{client: client, config: config, logger: logger}
}

func (b *RedisBus) queueKey(p Priority) string {
	switch normalizedPriority(p) {
	case PriorityCritical:
		return b.config.CriticalQueue
	case PriorityHigh:
		return b.config.HighQueue
	default:
		return b.config.DefaultQueue
	}
}

func (b *RedisBus) leaseKey(id string) string    { return b.config.LeasePrefix + id }
func (b *RedisBus) attemptsKey(id string) string { return b.config.AttemptsPrefix + id }
func (b *RedisBus) idemKey(key string) string    { return b.config.IdemPrefix + key }

func (b *RedisBus) auditAppend(ctx context.Context, entry AuditEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, b.config.AuditKey, data)
	pipe.LTrim(ctx, b.config.AuditKey, 0, b.config.AuditRingSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("Failed to append audit entry", map[string]interface{}{
			"error": err.Error(),
			"type":  entry.Type,
		})
	}
}

// Send implements Bus.Send.
func (b *RedisBus) Send(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	msg.Priority = normalizedPriority(msg.Priority)

	if msg.IdempotencyKey != "" {
		set, err := b.client.SetNX(ctx, b.idemKey(msg.IdempotencyKey), "1", b.config.IdemTTL).Result()
		if err != nil {
			return core.NewFrameworkError("bus.send", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
		}
		if !set {
			b.logger.DebugWithContext(ctx, "Dropped duplicate send", map[string]interface{}{
				"message_id":      msg.ID,
				"idempotency_key": msg.IdempotencyKey,
			})
			return nil
		}
	}

	msg.EnqueuedAt = nowMillis()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	queue := b.queueKey(msg.Priority)
	if err := b.client.LPush(ctx, queue, data).Err(); err != nil {
		b.logger.ErrorWithContext(ctx, "Failed to enqueue message", map[string]interface{}{
			"message_id": msg.ID,
			"queue":      queue,
			"error":      err.Error(),
		})
		return core.NewFrameworkError("bus.send", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}

	b.auditAppend(ctx, AuditEntry{Type: "send", Timestamp: msg.EnqueuedAt, MessageID: msg.ID, Queue: queue})
	b.logger.InfoWithContext(ctx, "Message enqueued", map[string]interface{}{
		"message_id": msg.ID,
		"kind":       msg.Kind,
		"priority":   string(msg.Priority),
		"queue":      queue,
	})
	return nil
}

// ConsumeNext implements Bus.ConsumeNext. A single multi-key BRPOP lets
// Redis itself resolve strict priority order: critical is listed first,
// so it is always served before high or default when all three are
// non-empty.
func (b *RedisBus) ConsumeNext(ctx context.Context, timeout time.Duration) (*Message, error) {
	result, err := b.client.BRPop(ctx, timeout, b.config.CriticalQueue, b.config.HighQueue, b.config.DefaultQueue).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewFrameworkError("bus.consumeNext", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP result format")
	}
	queue, raw := result[0], result[1]

	var msg Message
	if jsonErr := json.Unmarshal([]byte(raw), &msg); jsonErr != nil {
		b.dlqRaw(ctx, raw, ReasonParseError)
		return nil, core.NewFrameworkError("bus.consumeNext", "parse-error", core.ErrParseError)
	}

	now := nowMillis()
	if err := b.client.Set(ctx, b.leaseKey(msg.ID), "1", b.config.LeaseTTL).Err(); err != nil {
		b.logger.WarnWithContext(ctx, "Failed to create processing lease", map[string]interface{}{
			"message_id": msg.ID, "error": err.Error(),
		})
	}

	pipe := b.client.Pipeline()
	incr := pipe.Incr(ctx, b.attemptsKey(msg.ID))
	pipe.Expire(ctx, b.attemptsKey(msg.ID), b.config.AttemptsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.WarnWithContext(ctx, "Failed to increment attempt counter", map[string]interface{}{
			"message_id": msg.ID, "error": err.Error(),
		})
	}
	attempts := int(incr.Val())

	msg.SourceQueue = queue
	msg.Attempts = attempts

	if msg.EnqueuedAt > 0 {
		waitMs := now - msg.EnqueuedAt
		b.logger.DebugWithContext(ctx, "Observed queue wait", map[string]interface{}{
			"message_id": msg.ID, "queue_wait_ms": waitMs, "queue": queue,
		})
	}

	b.auditAppend(ctx, AuditEntry{Type: "consume", Timestamp: now, MessageID: msg.ID, Queue: queue, Attempts: attempts})
	return &msg, nil
}

func (b *RedisBus) dlqRaw(ctx context.Context, raw string, reason string) {
	entry := map[string]interface{}{
		"raw":      raw,
		"reason":   reason,
		"failedAt": nowMillis(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := b.client.LPush(ctx, b.config.DLQQueue, data).Err(); err != nil {
		b.logger.Warn("Failed to dead-letter malformed message", map[string]interface{}{"error": err.Error()})
		return
	}
	b.auditAppend(ctx, AuditEntry{Type: "dlq", Timestamp: nowMillis(), Reason: reason})
}

// Acknowledge implements Bus.Acknowledge.
func (b *RedisBus) Acknowledge(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.leaseKey(id))
	pipe.Del(ctx, b.attemptsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewFrameworkError("bus.acknowledge", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	b.auditAppend(ctx, AuditEntry{Type: "ack", Timestamp: nowMillis(), MessageID: id})
	return nil
}

// Fail implements Bus.Fail. HandlerFailure consults the attempt counter
// and either requeues (deleting the lease, keeping the attempt count) or
// dead-letters once maxRetries is exceeded. NoAgent and ParseError
// dead-letter unconditionally.
func (b *RedisBus) Fail(ctx context.Context, id string, msg *Message, reason string) error {
	if id == "" {
		return fmt.Errorf("message id cannot be empty")
	}

	if reason == ReasonNoAgent || reason == ReasonParseError {
		return b.deadLetter(ctx, id, msg, reason)
	}

	attemptsStr, err := b.client.Get(ctx, b.attemptsKey(id)).Result()
	attempts := 1
	if err == nil {
		if _, scanErr := fmt.Sscanf(attemptsStr, "%d", &attempts); scanErr != nil {
			attempts = 1
		}
	} else if err != redis.Nil {
		return core.NewFrameworkError("bus.fail", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}

	if attempts > b.config.MaxRetries {
		return b.deadLetter(ctx, id, msg, "max-retries-exceeded")
	}
	return b.requeue(ctx, id, msg, attempts)
}

func (b *RedisBus) requeue(ctx context.Context, id string, msg *Message, attempts int) error {
	if msg != nil {
		// Fixed backoff before the message goes back on its queue.
		if b.config.RetryDelay > 0 {
			timer := time.NewTimer(b.config.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		msg.RetriedAt = nowMillis()
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to serialize message for retry: %w", err)
		}
		queue := b.queueKey(msg.Priority)
		if err := b.client.LPush(ctx, queue, data).Err(); err != nil {
			return core.NewFrameworkError("bus.fail", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
		}
		b.auditAppend(ctx, AuditEntry{Type: "retry", Timestamp: msg.RetriedAt, MessageID: id, Queue: queue, Attempts: attempts})
	}
	// Attempt counter is retained; only the processing lease is released.
	if err := b.client.Del(ctx, b.leaseKey(id)).Err(); err != nil {
		b.logger.Warn("Failed to delete lease on retry", map[string]interface{}{"message_id": id, "error": err.Error()})
	}
	return nil
}

func (b *RedisBus) deadLetter(ctx context.Context, id string, msg *Message, reason string) error {
	failedAt := nowMillis()
	entry := map[string]interface{}{
		"failedAt": failedAt,
		"reason":   reason,
	}
	if msg != nil {
		msg.FailedAt = failedAt
		msg.FailReason = reason
		entry["message"] = msg
	} else {
		entry["messageId"] = id
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize dead-letter entry: %w", err)
	}
	if err := b.client.LPush(ctx, b.config.DLQQueue, data).Err(); err != nil {
		return core.NewFrameworkError("bus.fail", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	b.auditAppend(ctx, AuditEntry{Type: "dlq", Timestamp: failedAt, MessageID: id, Reason: reason})
	return b.Acknowledge(ctx, id)
}

// Stats implements Bus.Stats.
func (b *RedisBus) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := b.client.Pipeline()
	def := pipe.LLen(ctx, b.config.DefaultQueue)
	high := pipe.LLen(ctx, b.config.HighQueue)
	crit := pipe.LLen(ctx, b.config.CriticalQueue)
	dlq := pipe.LLen(ctx, b.config.DLQQueue)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, core.NewFrameworkError("bus.stats", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	return &QueueStats{Default: def.Val(), High: high.Val(), Critical: crit.Val(), DLQ: dlq.Val()}, nil
}

// ResetAll implements Bus.ResetAll. Clears all bus-owned keys: the four
// queues, and every lease/attempts/idempotency marker via prefix scan.
func (b *RedisBus) ResetAll(ctx context.Context) (*ResetResult, error) {
	before, err := b.Stats(ctx)
	if err != nil {
		return nil, err
	}

	var deleted int64
	keys := []string{b.config.DefaultQueue, b.config.HighQueue, b.config.CriticalQueue, b.config.DLQQueue, b.config.AuditKey}
	n, err := b.client.Del(ctx, keys...).Result()
	if err != nil {
		return nil, core.NewFrameworkError("bus.resetAll", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
	}
	deleted += n

	for _, prefix := range []string{b.config.LeasePrefix, b.config.AttemptsPrefix, b.config.IdemPrefix} {
		n, err := b.scanDelete(ctx, prefix+"*")
		if err != nil {
			return nil, err
		}
		deleted += n
	}

	after, err := b.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &ResetResult{Before: *before, After: *after, Deleted: deleted}, nil
}

func (b *RedisBus) scanDelete(ctx context.Context, pattern string) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, core.NewFrameworkError("bus.resetAll", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, core.NewFrameworkError("bus.resetAll", "transient", fmt.Errorf("%w: %v", core.ErrBusUnavailable, err))
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

var _ Bus = (*RedisBus)(nil)
