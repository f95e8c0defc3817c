// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the durable work item log backing run
// execution. Items are ordered per workflow by a global sequence number;
// claiming is conditional on the workflow having no in-flight item, which
// is the mechanism behind per-workflow serialization.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Item is one queued unit of work: execute run RunID of workflow
// WorkflowID. Seq orders items globally; per-workflow order follows from
// it because enqueues append.
type Item struct {
	Seq        int64     `json:"seq"`
	WorkflowID string    `json:"workflowId"`
	RunID      string    `json:"runId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Claim identifies the lease this item was handed out under. Acks and
	// heartbeats carrying a stale claim are ignored, so a worker whose
	// lease was reaped cannot release a slot that has been re-claimed.
	// Assigned by Claim, never persisted with the item.
	Claim string `json:"-"`
}

// Stats is the backlog snapshot reported by workers.
type Stats struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// ErrEmpty is returned by Claim when no workflow is ready.
var ErrEmpty = errors.New("queue: no ready items")

const (
	keySeq       = "fm:q:seq"
	keyReady     = "fm:q:ready"    // zset: workflowId -> head item seq
	keyInflight  = "fm:q:inflight" // hash: workflowId -> claimed item json
	keyClaims    = "fm:q:claims"   // hash: workflowId -> current claim token
	keyLeases    = "fm:q:leases"   // zset: workflowId -> lease deadline (unix ms)
	keyCompleted = "fm:q:completed"
	keyFailed    = "fm:q:failed"
	keyPending   = "fm:q:wf:" // + workflowId, list of item json
)

func pendingKey(workflowID string) string { return keyPending + workflowID }

// enqueueScript appends an item to its workflow's pending list and marks
// the workflow ready unless it already has an in-flight item.
// KEYS: ready, inflight, pending  ARGV: workflowId, itemJson, seq
var enqueueScript = redis.NewScript(`
redis.call('RPUSH', KEYS[3], ARGV[2])
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 and redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
end
return redis.call('LLEN', KEYS[3])
`)

// claimScript atomically pops the oldest ready workflow's head item and
// moves it to in-flight with a lease and a fresh claim token. The
// workflow leaves the ready set until the item is acked, so no second
// worker can claim for it.
// KEYS: ready, inflight, leases, claims  ARGV: deadlineMs, pendingPrefix, token
var claimScript = redis.NewScript(`
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local wf = head[1]
local item = redis.call('LPOP', ARGV[2] .. wf)
redis.call('ZREM', KEYS[1], wf)
if item == false then
  return false
end
redis.call('HSET', KEYS[2], wf, item)
redis.call('HSET', KEYS[4], wf, ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[1]), wf)
return item
`)

// ackScript releases the in-flight slot and, if more items wait for the
// workflow, puts it back in the ready set keyed by the new head's seq.
// A token that no longer matches the current claim means the caller's
// lease was reaped and the slot belongs to another worker: no-op.
// KEYS: ready, inflight, leases, counter, claims  ARGV: workflowId, pendingPrefix, token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[3] then
  return -1
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('INCR', KEYS[4])
local next = redis.call('LINDEX', ARGV[2] .. ARGV[1], 0)
if next then
  local decoded = cjson.decode(next)
  redis.call('ZADD', KEYS[1], tonumber(decoded.seq), ARGV[1])
  return 1
end
return 0
`)

// heartbeatScript extends the lease only while the caller still holds
// the current claim, in one atomic step so a reap cannot interleave and
// leave a lease entry behind for a workflow with no in-flight item.
// KEYS: leases, claims  ARGV: workflowId, token, deadlineMs
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// reapScript requeues every in-flight item whose lease deadline passed,
// pushing it back to the head of its workflow's pending list and
// invalidating the claim token so the old holder's ack goes stale.
// KEYS: ready, inflight, leases, claims  ARGV: nowMs, pendingPrefix
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local n = 0
for _, wf in ipairs(expired) do
  local item = redis.call('HGET', KEYS[2], wf)
  if item then
    redis.call('LPUSH', ARGV[2] .. wf, item)
    local decoded = cjson.decode(item)
    redis.call('ZADD', KEYS[1], tonumber(decoded.seq), wf)
    n = n + 1
  end
  redis.call('HDEL', KEYS[2], wf)
  redis.call('HDEL', KEYS[4], wf)
  redis.call('ZREM', KEYS[3], wf)
end
return n
`)

// purgeScript drops everything queued for one workflow. In-flight work is
// left to finish; its ack finds an empty pending list.
// KEYS: ready  ARGV: workflowId, pendingPrefix
var purgeScript = redis.NewScript(`
redis.call('DEL', ARGV[2] .. ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// Queue is the Redis-backed implementation. All operations are single
// round trips built on server-side scripts, so concurrent workers observe
// a consistent claim protocol.
type Queue struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Open dials Redis from a URL.
func Open(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &Queue{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying client.
func (q *Queue) Close() error { return q.client.Close() }

// Ping verifies connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue appends a work item for the run and returns it with its
// assigned sequence number.
func (q *Queue) Enqueue(ctx context.Context, workflowID, runID string) (*Item, error) {
	seq, err := q.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return nil, fmt.Errorf("assigning sequence: %w", err)
	}
	item := &Item{Seq: seq, WorkflowID: workflowID, RunID: runID, EnqueuedAt: time.Now().UTC()}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	err = enqueueScript.Run(ctx, q.client,
		[]string{keyReady, keyInflight, pendingKey(workflowID)},
		workflowID, string(raw), seq).Err()
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// Claim pops the oldest ready item whose workflow has no in-flight item
// and leases it for visibilityTimeout. Returns ErrEmpty when nothing is
// ready.
func (q *Queue) Claim(ctx context.Context, visibilityTimeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(visibilityTimeout).UnixMilli()
	token := uuid.NewString()
	raw, err := claimScript.Run(ctx, q.client,
		[]string{keyReady, keyInflight, keyLeases, keyClaims},
		deadline, keyPending, token).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decoding claimed item: %w", err)
	}
	item.Claim = token
	return &item, nil
}

// Heartbeat extends the lease on a claimed item. Returns false when the
// item's claim is no longer current, which means it was reaped and
// possibly handed to another worker; the caller must stop working on it
// and must not ack.
func (q *Queue) Heartbeat(ctx context.Context, item *Item, visibilityTimeout time.Duration) (bool, error) {
	deadline := time.Now().Add(visibilityTimeout).UnixMilli()
	held, err := heartbeatScript.Run(ctx, q.client,
		[]string{keyLeases, keyClaims},
		item.WorkflowID, item.Claim, deadline).Int64()
	if err != nil {
		return false, err
	}
	return held == 1, nil
}

// Ack marks a claimed item done and re-readies the workflow if more runs
// wait for it. failed selects which completion counter is bumped. An ack
// whose claim went stale is a no-op: the slot belongs to whoever
// re-claimed the item.
func (q *Queue) Ack(ctx context.Context, item *Item, failed bool) error {
	counter := keyCompleted
	if failed {
		counter = keyFailed
	}
	return ackScript.Run(ctx, q.client,
		[]string{keyReady, keyInflight, keyLeases, counter, keyClaims},
		item.WorkflowID, keyPending, item.Claim).Err()
}

// RequeueExpired returns abandoned in-flight items to their pending
// lists. Called periodically by every worker.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := reapScript.Run(ctx, q.client,
		[]string{keyReady, keyInflight, keyLeases, keyClaims},
		time.Now().UnixMilli(), keyPending).Int64()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// Purge drops all queued work for a workflow, for workflow deletion.
func (q *Queue) Purge(ctx context.Context, workflowID string) error {
	return purgeScript.Run(ctx, q.client, []string{keyReady}, workflowID, keyPending).Err()
}

// Stats reads the backlog counters. Waiting walks the ready set's
// pending lists plus anything queued behind in-flight items.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Active, err = q.client.HLen(ctx, keyInflight).Result(); err != nil {
		return s, err
	}
	if s.Completed, err = q.client.Get(ctx, keyCompleted).Int64(); err != nil && !errors.Is(err, redis.Nil) {
		return s, err
	}
	if s.Failed, err = q.client.Get(ctx, keyFailed).Int64(); err != nil && !errors.Is(err, redis.Nil) {
		return s, err
	}

	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, keyPending+"*", 100).Result()
		if err != nil {
			return s, err
		}
		for _, key := range keys {
			n, err := q.client.LLen(ctx, key).Result()
			if err != nil {
				return s, err
			}
			s.Waiting += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s, nil
}
