package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docchat-go/pkg/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, task tasks.DocumentProcessingTask) error

func (f processorFunc) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	return f(ctx, task)
}

func newTracker(t *testing.T) (*AttemptTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewAttemptTracker(rdb), mr
}

func taskBytes(t *testing.T, md5 string) []byte {
	t.Helper()
	b, err := json.Marshal(tasks.DocumentProcessingTask{FileMD5: md5, FileName: "ReportA.pdf", Collection: "ReportA"})
	require.NoError(t, err)
	return b
}

func TestHandleCommitsMalformedMessage(t *testing.T) {
	tracker, _ := newTracker(t)
	c := &Consumer{processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		t.Fatal("processor should not be called")
		return nil
	}), attempts: tracker}

	assert.True(t, c.handle(context.Background(), []byte("{not json")))
}

func TestHandleRetriesInPlaceUntilMaxAttempts(t *testing.T) {
	tracker, mr := newTracker(t)
	calls := 0
	c := &Consumer{processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		calls++
		return errors.New("tika down")
	}), attempts: tracker}

	assert.True(t, c.handle(context.Background(), taskBytes(t, "abc")))
	assert.Equal(t, maxAttempts, calls)

	got, err := mr.Get(attemptsKey("abc"))
	require.NoError(t, err)
	assert.Equal(t, "3", got)
	assert.Greater(t, mr.TTL(attemptsKey("abc")).Hours(), 0.0)
}

func TestHandleRecoversAfterTransientFailure(t *testing.T) {
	tracker, mr := newTracker(t)
	calls := 0
	c := &Consumer{processor: processorFunc(func(_ context.Context, task tasks.DocumentProcessingTask) error {
		assert.Equal(t, "ReportA", task.Collection)
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}), attempts: tracker}

	assert.True(t, c.handle(context.Background(), taskBytes(t, "def")))
	assert.Equal(t, 2, calls)
	assert.False(t, mr.Exists(attemptsKey("def")))
}

func TestHandleContinuesCountAfterRestart(t *testing.T) {
	tracker, mr := newTracker(t)
	require.NoError(t, mr.Set(attemptsKey("abc"), "2"))
	calls := 0
	c := &Consumer{processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		calls++
		return errors.New("still broken")
	}), attempts: tracker}

	assert.True(t, c.handle(context.Background(), taskBytes(t, "abc")))
	assert.Equal(t, 1, calls)
}

func TestHandleRedisDownUsesLocalCount(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	calls := 0
	c := &Consumer{processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		calls++
		return errors.New("boom")
	}), attempts: NewAttemptTracker(rdb)}

	assert.True(t, c.handle(context.Background(), taskBytes(t, "ghi")))
	assert.Equal(t, maxAttempts, calls)
}

func TestHandleLeavesMessageUncommittedOnShutdown(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	c := &Consumer{processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		calls++
		cancel()
		return context.Canceled
	}), attempts: tracker, backoff: time.Hour}

	assert.False(t, c.handle(ctx, taskBytes(t, "jkl")))
	assert.Equal(t, 1, calls)
}

type fakeReader struct {
	mu        sync.Mutex
	fetches   []fetchResult
	committed []kafka.Message
	closed    bool
}

type fetchResult struct {
	msg kafka.Message
	err error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.fetches) > 0 {
		next := r.fetches[0]
		r.fetches = r.fetches[1:]
		r.mu.Unlock()
		return next.msg, next.err
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	offsets := make([]int64, 0, len(r.committed))
	for _, m := range r.committed {
		offsets = append(offsets, m.Offset)
	}
	return offsets
}

func TestRunKeepsConsumingAfterFetchError(t *testing.T) {
	tracker, _ := newTracker(t)
	reader := &fakeReader{fetches: []fetchResult{
		{err: errors.New("broker not available")},
		{msg: kafka.Message{Offset: 7, Value: taskBytes(t, "mno")}},
		{msg: kafka.Message{Offset: 8, Value: []byte("{not json")}},
	}}
	var processed atomic.Int32
	c := &Consumer{reader: reader, topic: "docs", processor: processorFunc(func(context.Context, tasks.DocumentProcessingTask) error {
		processed.Add(1)
		return nil
	}), attempts: tracker}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(reader.committedOffsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{7, 8}, reader.committedOffsets())
	assert.Equal(t, int32(1), processed.Load())
	reader.mu.Lock()
	assert.True(t, reader.closed)
	reader.mu.Unlock()
}
