package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pdf-ingest/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, config.Config{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: time.Minute,
		DLQName:           "queue:dlq",
	})
	return q, mr
}

func TestSubmitAndDequeue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Submit(ctx, "ingest_pdf", map[string]string{"document_id": "doc-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected task id")
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1 got %d", depth)
	}

	task, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if task.ID != id || task.Type != "ingest_pdf" || task.Attempts != 0 {
		t.Fatalf("unexpected task %+v", task)
	}
	var payload struct {
		DocumentID string `json:"document_id"`
	}
	if err := task.Decode(&payload); err != nil || payload.DocumentID != "doc-1" {
		t.Fatalf("decode payload: %v %+v", err, payload)
	}

	_, ok, err = q.DequeueWithLease(ctx)
	if err != nil || ok {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Load(ctx, id); err != redis.Nil {
		t.Fatalf("expected meta removed after ack, got %v", err)
	}
}

func TestPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	low, _ := q.Enqueue(ctx, "t", nil, "low", time.Time{})
	high, _ := q.Enqueue(ctx, "t", nil, "high", time.Time{})

	first, _, _ := q.DequeueWithLease(ctx)
	second, _, _ := q.DequeueWithLease(ctx)
	if first.ID != high || second.ID != low {
		t.Fatalf("expected high then low, got %s then %s", first.ID, second.ID)
	}
}

func TestRetryAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _ := q.Submit(ctx, "t", map[string]int{"n": 1})
	task, _, _ := q.DequeueWithLease(ctx)

	runAt := time.Now().Add(time.Minute)
	if err := q.Retry(ctx, task, runAt, "boom"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("nothing should be due yet, promoted %d", n)
	}
	if n, _ := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10); n != 1 {
		t.Fatalf("expected 1 promoted got %d", n)
	}

	again, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok || again.ID != id {
		t.Fatalf("expected retried task, got %+v ok=%v err=%v", again, ok, err)
	}
	if again.Attempts != 1 || again.LastError != "boom" {
		t.Fatalf("expected attempts=1 last_error=boom got %+v", again)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _ := q.Submit(ctx, "t", nil)
	if _, ok, _ := q.DequeueWithLease(ctx); !ok {
		t.Fatalf("expected a task")
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s requeued got %v", id, ids)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected depth 1 after requeue got %d", depth)
	}
}

func TestCancelledTaskIsSkipped(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	id, _ := q.Submit(ctx, "t", nil)
	// Simulate metadata expiring while the id is still listed.
	mr.Del(q.metaKey(id))

	_, ok, err := q.DequeueWithLease(ctx)
	if err != nil || ok {
		t.Fatalf("expected skip, ok=%v err=%v", ok, err)
	}
	if n, _ := mr.ZMembers(q.inflightKey); len(n) != 0 {
		t.Fatalf("expected in-flight set cleared, got %v", n)
	}

	id2, _ := q.Submit(ctx, "t", nil)
	if err := q.Cancel(ctx, id2); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty queue after cancel, got %d", depth)
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, _ := q.Submit(ctx, "ingest_pdf", map[string]string{"document_id": "d"})
	task, _, _ := q.DequeueWithLease(ctx)
	if err := q.DeadLetter(ctx, task, "gave up"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id || dead[0].LastError != "gave up" || dead[0].Type != "ingest_pdf" {
		t.Fatalf("unexpected dlq contents %+v", dead)
	}
}
