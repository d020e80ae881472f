package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"reconomed-intake/pkg/tasks"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestPublisherFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, 8)
	p.Enqueue(tasks.UploadEvent{Kind: "admitted", RecordID: "u1", Count: 1, Quota: 20})
	p.Enqueue(tasks.UploadEvent{Kind: "reconciled", Count: 0, Quota: 20})
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed || len(w.msgs) != 2 {
		t.Fatalf("closed=%v msgs=%d", w.closed, len(w.msgs))
	}
	if string(w.msgs[0].Key) != "u1" || string(w.msgs[1].Key) != "reconciled" {
		t.Errorf("keys = %q %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	var ev tasks.UploadEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil || ev.RecordID != "u1" {
		t.Errorf("payload = %s, %v", w.msgs[0].Value, err)
	}
	// 重复关闭是安全的
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

type fakeHandler struct {
	mu       sync.Mutex
	failures int // 前 failures 次调用返回 err
	err      error
	seen     []tasks.ProcessingNotification
}

func (h *fakeHandler) HandleNotification(_ context.Context, n tasks.ProcessingNotification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, n)
	if h.err != nil && (h.failures == 0 || len(h.seen) <= h.failures) {
		return h.err
	}
	return nil
}

func TestHandleMessageRetriesThenGivesUp(t *testing.T) {
	h := &fakeHandler{err: errors.New("backend down")}
	attempts := NewMemoryAttempts()
	msg := kafka.Message{Value: []byte(`{"upload_id": "u1", "status": "processed"}`)}

	if !handleMessage(context.Background(), msg, h, attempts, time.Millisecond) {
		t.Error("message must be committed after the last attempt")
	}
	if len(h.seen) != maxAttempts {
		t.Errorf("handler calls = %d, want %d", len(h.seen), maxAttempts)
	}
}

func TestHandleMessageRetriesUntilSuccess(t *testing.T) {
	h := &fakeHandler{err: errors.New("tracker busy"), failures: 1}
	attempts := NewMemoryAttempts()
	msg := kafka.Message{Value: []byte(`{"upload_id": 42, "document_id": 7, "status": "processed"}`)}

	if !handleMessage(context.Background(), msg, h, attempts, time.Millisecond) {
		t.Fatal("message must be committed once handled")
	}
	if len(h.seen) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(h.seen))
	}
	if n := h.seen[1]; n.UploadID != "42" || n.DocumentID != "7" || n.RecordID() != "42" {
		t.Errorf("numeric ids decoded as %+v", n)
	}
	// 成功后计数被清零
	if c, _ := attempts.Incr(context.Background(), "kafka:attempts:42:7"); c != 1 {
		t.Errorf("attempt counter = %d after success, want reset", c)
	}
}

func TestHandleMessageStopsOnCancel(t *testing.T) {
	h := &fakeHandler{err: errors.New("backend down")}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	msg := kafka.Message{Value: []byte(`{"upload_id": "u1", "status": "processed"}`)}
	if handleMessage(ctx, msg, h, NewMemoryAttempts(), time.Hour) {
		t.Error("cancelled handling must not commit")
	}
}

func TestHandleMessageCommitsMalformedAndSuccess(t *testing.T) {
	h := &fakeHandler{}
	attempts := NewMemoryAttempts()
	if !handleMessage(context.Background(), kafka.Message{Value: []byte("{oops")}, h, attempts, time.Millisecond) {
		t.Error("malformed message must be committed")
	}
	if !handleMessage(context.Background(), kafka.Message{Value: []byte(`{"status": "processed"}`)}, h, attempts, time.Millisecond) {
		t.Error("message without ids must be committed")
	}
	if !handleMessage(context.Background(), kafka.Message{Value: []byte(`{"upload_id": "u2", "status": "processed"}`)}, h, attempts, time.Millisecond) {
		t.Error("successful message must be committed")
	}
	if len(h.seen) != 1 || h.seen[0].UploadID != "u2" {
		t.Errorf("seen = %+v", h.seen)
	}
}

func TestBrokers(t *testing.T) {
	got := brokers(" a:9092, b:9092 ,,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("brokers() = %v", got)
	}
}
