package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docchat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generatorFunc func(ctx context.Context, collection, question string) (string, error)

func (f generatorFunc) GenerateAnswer(ctx context.Context, collection, question string) (string, error) {
	return f(ctx, collection, question)
}

type uploaderFunc func(ctx context.Context, file model.UploadFile) (string, error)

func (f uploaderFunc) UploadDocument(ctx context.Context, file model.UploadFile) (string, error) {
	return f(ctx, file)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (r *fakeRecorder) Record(_ context.Context, query, collection string) (model.HistoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{query, collection})
	return model.HistoryItem{ID: "h", Query: query, Collection: collection}, r.err
}

func (r *fakeRecorder) Calls() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.calls...)
}

// gatedGenerator 阻塞到测试向 answers 发送结果为止。
func gatedGenerator(answers chan generateResult) generatorFunc {
	return func(ctx context.Context, _, _ string) (string, error) {
		select {
		case res := <-answers:
			return res.content, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func waitForNotification(t *testing.T, events <-chan Event, kind string) Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed before %s", kind)
			if ev.Type == EventNotification && ev.Notification.Kind == kind {
				return *ev.Notification
			}
		case <-timeout:
			t.Fatalf("no %s notification received", kind)
		}
	}
}

func assertNoLoading(t *testing.T, msgs []model.Message) {
	t.Helper()
	for _, msg := range msgs {
		assert.False(t, msg.IsPlaceholder(), "message %s is still loading", msg.ID)
	}
}

func TestSubmitAndResolveScenario(t *testing.T) {
	answers := make(chan generateResult, 1)
	m := NewManager(gatedGenerator(answers), nil, Options{})
	defer m.Close()

	m.SelectCollection("ReportA")
	placeholderID, err := m.SubmitUserMessage("What is the total?")
	require.NoError(t, err)

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is the total?", msgs[0].Content)
	assert.True(t, msgs[1].Loading)
	assert.Equal(t, placeholderID, msgs[1].ID)
	assert.Empty(t, msgs[1].Content)

	answers <- generateResult{content: "<p>42</p>"}
	waitIdle(t, m)

	msgs = m.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].Loading)
	assert.Equal(t, "<p>42</p>", msgs[1].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, placeholderID, msgs[1].ID)
}

func TestSubmitPassesCollectionAndQuestion(t *testing.T) {
	type call struct{ collection, question string }
	calls := make(chan call, 1)
	gen := generatorFunc(func(_ context.Context, collection, question string) (string, error) {
		calls <- call{collection, question}
		return "<p>ok</p>", nil
	})
	m := NewManager(gen, nil, Options{})
	defer m.Close()

	m.SelectCollection("ReportB")
	_, err := m.SubmitUserMessage("Who signed?")
	require.NoError(t, err)
	assert.Equal(t, call{"ReportB", "Who signed?"}, <-calls)
}

func TestSubmitWithoutCollectionDoesNotMutate(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) {
		t.Fatal("generator must not be called")
		return "", nil
	}), nil, Options{})
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()

	_, err := m.SubmitUserMessage("hello")
	assert.ErrorIs(t, err, ErrNoCollectionSelected)
	assert.Empty(t, m.Messages())
	n := waitForNotification(t, events, "NoCollectionSelected")
	assert.Equal(t, LevelError, n.Level)
}

func TestSubmitRejectsBlankText(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")

	_, err := m.SubmitUserMessage("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, m.Messages())
}

func TestAnswerFailureRemovesPlaceholder(t *testing.T) {
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("backend unavailable")
	})
	m := NewManager(gen, nil, Options{})
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()

	m.SelectCollection("ReportA")
	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)

	waitForNotification(t, events, "AnswerGenerationFailed")
	waitIdle(t, m)
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestAnswerTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	// 故意忽略 ctx 的生成器，超时仍然必须生效
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		<-block
		return "too late", nil
	})
	m := NewManager(gen, nil, Options{AnswerTimeout: 20 * time.Millisecond})
	defer m.Close()

	m.SelectCollection("ReportA")
	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)

	waitIdle(t, m)
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assertNoLoading(t, msgs)
}

func TestSingleFlight(t *testing.T) {
	answers := make(chan generateResult, 1)
	m := NewManager(gatedGenerator(answers), nil, Options{MaxPending: 1})
	defer m.Close()
	m.SelectCollection("ReportA")

	_, err := m.SubmitUserMessage("first")
	require.NoError(t, err)
	_, err = m.SubmitUserMessage("second")
	assert.ErrorIs(t, err, ErrRequestPending)
	assert.Len(t, m.Messages(), 2)

	answers <- generateResult{content: "<p>a</p>"}
	waitIdle(t, m)

	_, err = m.SubmitUserMessage("second")
	require.NoError(t, err)
	answers <- generateResult{content: "<p>b</p>"}
	waitIdle(t, m)
	assert.Len(t, m.Messages(), 4)
}

func TestSequentialSubmissionsNeverLeaveLoading(t *testing.T) {
	var mu sync.Mutex
	n := 0
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%3 == 0 {
			return "", errors.New("flaky")
		}
		return "<p>answer</p>", nil
	})
	m := NewManager(gen, nil, Options{MaxPending: 1})
	defer m.Close()
	m.SelectCollection("ReportA")

	for i := 0; i < 9; i++ {
		_, err := m.SubmitUserMessage("question")
		require.NoError(t, err)
		waitIdle(t, m)
	}

	msgs := m.Messages()
	assertNoLoading(t, msgs)
	users, assistants := 0, 0
	for i, msg := range msgs {
		if msg.Role == model.RoleUser {
			users++
			continue
		}
		assistants++
		require.Greater(t, i, 0)
		assert.Equal(t, model.RoleUser, msgs[i-1].Role, "assistant reply must follow its question")
	}
	assert.Equal(t, 9, users)
	assert.Equal(t, 6, assistants)
}

func TestConcurrentPlaceholdersWhenUnbounded(t *testing.T) {
	answers := make(chan generateResult)
	m := NewManager(gatedGenerator(answers), nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")

	for i := 0; i < 3; i++ {
		_, err := m.SubmitUserMessage("q")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Pending())
	for i := 0; i < 3; i++ {
		answers <- generateResult{content: "<p>a</p>"}
	}
	waitIdle(t, m)
	msgs := m.Messages()
	assert.Len(t, msgs, 6)
	assertNoLoading(t, msgs)
}

func TestResolveUnknownPlaceholderIsNoop(t *testing.T) {
	answers := make(chan generateResult, 1)
	m := NewManager(gatedGenerator(answers), nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")
	id, err := m.SubmitUserMessage("q")
	require.NoError(t, err)

	assert.False(t, m.OnAnswerResolved("missing", "<p>x</p>"))
	assert.False(t, m.OnAnswerFailed("missing", errors.New("x")))

	assert.True(t, m.OnAnswerResolved(id, "<p>first</p>"))
	// 已完成的消息是终态
	assert.False(t, m.OnAnswerResolved(id, "<p>second</p>"))
	assert.False(t, m.OnAnswerFailed(id, errors.New("late")))

	waitIdle(t, m)
	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "<p>first</p>", msgs[1].Content)
}

func TestResolvedContentIsSanitized(t *testing.T) {
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		return `<p onclick="steal()">hi</p><script>alert(1)</script>`, nil
	})
	m := NewManager(gen, nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")
	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)
	waitIdle(t, m)

	content := m.Messages()[1].Content
	assert.Equal(t, "<p>hi</p>", content)
}

func TestCloseDiscardsLateCallbacks(t *testing.T) {
	answers := make(chan generateResult)
	m := NewManager(gatedGenerator(answers), nil, Options{})
	m.SelectCollection("ReportA")
	events, cancel := m.Subscribe()
	defer cancel()

	id, err := m.SubmitUserMessage("q")
	require.NoError(t, err)
	before := m.Messages()

	m.Close()
	assert.False(t, m.OnAnswerResolved(id, "<p>late</p>"))
	assert.Equal(t, before, m.Messages())

	_, err = m.SubmitUserMessage("again")
	assert.ErrorIs(t, err, ErrSessionClosed)

	for range events {
	}
	m.Close()
}

func TestRecordsHistoryOnlyOnSuccess(t *testing.T) {
	var mu sync.Mutex
	fail := false
	gen := generatorFunc(func(context.Context, string, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return "", errors.New("boom")
		}
		return "<p>ok</p>", nil
	})
	rec := &fakeRecorder{}
	m := NewManager(gen, nil, Options{Recorder: rec})
	defer m.Close()
	m.SelectCollection("ReportA")

	_, err := m.SubmitUserMessage("good question")
	require.NoError(t, err)
	waitIdle(t, m)
	require.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	fail = true
	mu.Unlock()
	_, err = m.SubmitUserMessage("bad question")
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, [][2]string{{"good question", "ReportA"}}, rec.Calls())
}

func TestRecorderFailureIsWarning(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("storage full")}
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) {
		return "<p>ok</p>", nil
	}), nil, Options{Recorder: rec})
	defer m.Close()
	events, cancel := m.Subscribe()
	defer cancel()
	m.SelectCollection("ReportA")

	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)
	n := waitForNotification(t, events, "HistoryNotSaved")
	assert.Equal(t, LevelWarning, n.Level)
	assert.Equal(t, "<p>ok</p>", m.Messages()[1].Content)
}

func TestOnUploadComplete(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), nil, Options{})
	defer m.Close()

	m.SelectCollection("Existing")
	m.OnUploadComplete("Q3 <Report>.pdf")
	m.OnUploadComplete("Q3 <Report>.pdf")

	assert.Equal(t, []string{"Existing", "Q3 <Report>"}, m.Collections())
	assert.Equal(t, "Q3 <Report>", m.SelectedCollection())

	msgs := m.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "<strong>Q3 &lt;Report&gt;.pdf</strong>")
}

func TestSelectCollectionKeepsMessages(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "<p>a</p>", nil }), nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")
	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)
	waitIdle(t, m)

	m.SelectCollection("ReportB")
	assert.Len(t, m.Messages(), 2)
	assert.Equal(t, "ReportB", m.SelectedCollection())

	m.SelectCollection("")
	_, err = m.SubmitUserMessage("q")
	assert.ErrorIs(t, err, ErrNoCollectionSelected)
}

func TestAddCollectionsKeepsSelection(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), nil, Options{})
	defer m.Close()
	m.SelectCollection("ReportA")
	m.AddCollections("ReportB", "", "ReportA", "ReportC")

	assert.Equal(t, []string{"ReportA", "ReportB", "ReportC"}, m.Collections())
	assert.Equal(t, "ReportA", m.SelectedCollection())
}

func TestUploadDocument(t *testing.T) {
	t.Run("success selects derived collection", func(t *testing.T) {
		up := uploaderFunc(func(_ context.Context, file model.UploadFile) (string, error) {
			return model.CollectionFromFileName(file.FileName), nil
		})
		m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), up, Options{})
		defer m.Close()

		collection, err := m.UploadDocument(context.Background(), model.UploadFile{FileName: "ReportA.pdf", Reader: strings.NewReader("%PDF")})
		require.NoError(t, err)
		assert.Equal(t, "ReportA", collection)
		assert.Equal(t, "ReportA", m.SelectedCollection())
		assert.Len(t, m.Messages(), 1)
	})

	t.Run("failure notifies and keeps state", func(t *testing.T) {
		cause := errors.New("minio down")
		up := uploaderFunc(func(context.Context, model.UploadFile) (string, error) { return "", cause })
		m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), up, Options{})
		defer m.Close()
		events, cancel := m.Subscribe()
		defer cancel()

		_, err := m.UploadDocument(context.Background(), model.UploadFile{FileName: "ReportA.pdf"})
		assert.ErrorIs(t, err, ErrUploadFailed)
		assert.ErrorIs(t, err, cause)
		waitForNotification(t, events, "UploadFailed")
		assert.Empty(t, m.Messages())
		assert.Empty(t, m.SelectedCollection())
	})

	t.Run("no uploader", func(t *testing.T) {
		m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "", nil }), nil, Options{})
		defer m.Close()
		_, err := m.UploadDocument(context.Background(), model.UploadFile{FileName: "a.pdf"})
		assert.ErrorIs(t, err, ErrUploadFailed)
	})
}

func TestSnapshotAndEvents(t *testing.T) {
	m := NewManager(generatorFunc(func(context.Context, string, string) (string, error) { return "<p>a</p>", nil }), nil, Options{})
	defer m.Close()
	events, cancel := m.Subscribe()
	assert.Equal(t, 1, m.Subscribers())

	m.SelectCollection("ReportA")
	ev := <-events
	assert.Equal(t, EventCollections, ev.Type)
	assert.Equal(t, "ReportA", ev.Selected)

	_, err := m.SubmitUserMessage("q")
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, EventMessages, ev.Type)
	require.Len(t, ev.Messages, 2)
	assert.True(t, ev.Messages[1].IsPlaceholder())

	ev = <-events
	assert.Equal(t, EventMessages, ev.Type)
	assert.False(t, ev.Messages[1].IsPlaceholder())

	state := m.Snapshot()
	assert.Equal(t, "ReportA", state.Selected)
	assert.Equal(t, []string{"ReportA"}, state.Collections)
	assert.Len(t, state.Messages, 2)
	assert.Zero(t, state.Pending)

	cancel()
	cancel()
	_, ok := <-events
	assert.False(t, ok)
	assert.Zero(t, m.Subscribers())
}
