package commentsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeFetcher struct {
	msgs  []Message
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.msgs, f.err
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []OutgoingMessage
	gate  chan struct{}
	reply func(out OutgoingMessage) (Message, error)
}

func (p *fakePublisher) Publish(ctx context.Context, conversationID string, out OutgoingMessage) (Message, error) {
	p.mu.Lock()
	p.calls = append(p.calls, out)
	p.mu.Unlock()
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	if p.reply == nil {
		return Message{}, errors.New("no reply configured")
	}
	return p.reply(out)
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeStream struct {
	msgs        chan Message
	states      chan ConnectionState
	connects    atomic.Int32
	disconnects atomic.Int32

	mu   sync.Mutex
	sent []OutgoingMessage
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:   make(chan Message, 16),
		states: make(chan ConnectionState, 16),
	}
}

func (s *fakeStream) Connect(ctx context.Context) error { s.connects.Add(1); return nil }
func (s *fakeStream) Disconnect() error                 { s.disconnects.Add(1); return nil }

func (s *fakeStream) Send(ctx context.Context, msg OutgoingMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) States() <-chan ConnectionState { return s.states }
func (s *fakeStream) Messages() <-chan Message       { return s.msgs }

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// ============================================================================
// Test Helpers
// ============================================================================

func at(hour, min int) time.Time {
	return time.Date(2024, 5, 1, hour, min, 0, 0, time.UTC)
}

func msg(id string, ts time.Time) Message {
	return Message{ID: id, Author: "someone", Text: "text " + id, CreatedAt: ts}
}

func seqIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("local-%d", n.Add(1)) }
}

type engineFixture struct {
	engine    *Engine
	fetcher   *fakeFetcher
	publisher *fakePublisher
	stream    *fakeStream
	cache     *Cache
	metrics   *Metrics
}

func newEngineFixture(t *testing.T, tweak func(*EngineConfig, *engineFixture)) *engineFixture {
	t.Helper()
	f := &engineFixture{
		fetcher:   &fakeFetcher{},
		publisher: &fakePublisher{},
		stream:    newFakeStream(),
		cache:     NewCache(NewMemoryStorage(), nil),
		metrics:   NewMetrics(nil),
	}
	cfg := EngineConfig{
		ConversationID: "42",
		Fetcher:        f.fetcher,
		Publisher:      f.publisher,
		Stream:         f.stream,
		Cache:          f.cache,
		Metrics:        f.metrics,
		NewID:          seqIDs(),
		Now:            nowFn,
	}
	if tweak != nil {
		tweak(&cfg, f)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	f.engine = e
	return f
}

func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
}

func (f *engineFixture) waitIDs(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, ids(f.engine.Messages()))
	}, 2*time.Second, 5*time.Millisecond, "want ids %v, have %v", want, ids(f.engine.Messages()))
}

func contains(list []string, id string) bool {
	for _, have := range list {
		if have == id {
			return true
		}
	}
	return false
}

func waitUpdate(t *testing.T, e *Engine, reason UpdateReason) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-e.Updates():
			require.True(t, ok, "updates closed while waiting for %s", reason)
			if u.Reason == reason {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s update", reason)
			return Update{}
		}
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{ConversationID: "1", Fetcher: &fakeFetcher{}, Publisher: &fakePublisher{}})
	assert.EqualError(t, err, "commentsync: stream is required")
}

// ============================================================================
// Start / catch-up fetch
// ============================================================================

func TestEngine_InitialLoad(t *testing.T) {
	m1, m2 := msg("1", at(10, 0)), msg("2", at(10, 1))
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.msgs = []Message{m2, m1}
	})
	f.start(t)

	u := waitUpdate(t, f.engine, ReasonFetched)
	assert.Equal(t, []Message{m1, m2}, u.Messages)
	assert.Equal(t, []Message{m1, m2}, f.cache.Load(), "fetch result is persisted")
	assert.Equal(t, 2, f.engine.Count())

	require.Eventually(t, func() bool { return f.stream.connects.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("ok")))
}

func TestEngine_FetchFailureLeavesListAndStillConnects(t *testing.T) {
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.err = &RequestError{Op: OpFetch, Kind: KindNetwork, Err: io.ErrUnexpectedEOF}
	})
	f.start(t)

	require.Eventually(t, func() bool { return f.stream.connects.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Fetches.WithLabelValues("error")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.engine.Messages())
}

func TestEngine_SlowFetchKeepsEarlierPushes(t *testing.T) {
	m1, m2, m3 := msg("1", at(10, 0)), msg("2", at(10, 1)), msg("3", at(10, 2))
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.gate = make(chan struct{})
		f.fetcher.msgs = []Message{m1, m2, m2}
	})
	f.start(t)

	f.stream.msgs <- m3
	f.stream.msgs <- m2
	f.waitIDs(t, "2", "3")

	close(f.fetcher.gate)
	f.waitIDs(t, "1", "2", "3")
}

func TestEngine_StartTwice(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.start(t)
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrAlreadyStarted)
}

func TestEngine_SeedFromCache(t *testing.T) {
	cached := []Message{msg("c1", at(9, 0))}

	t.Run("off by default", func(t *testing.T) {
		f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
			f.cache.Save(cached)
			f.fetcher.gate = make(chan struct{})
		})
		f.start(t)
		assert.Empty(t, f.engine.Messages())
	})

	t.Run("enabled", func(t *testing.T) {
		fresh := msg("1", at(10, 0))
		f := newEngineFixture(t, func(cfg *EngineConfig, f *engineFixture) {
			cfg.SeedFromCache = true
			f.cache.Save(cached)
			f.fetcher.gate = make(chan struct{})
			f.fetcher.msgs = []Message{fresh}
		})
		f.start(t)

		u := waitUpdate(t, f.engine, ReasonSeeded)
		assert.Equal(t, cached, u.Messages)

		close(f.fetcher.gate)
		f.waitIDs(t, "c1", "1")
	})
}

// ============================================================================
// Send
// ============================================================================

func TestEngine_OptimisticReplace(t *testing.T) {
	m1 := msg("1", at(10, 0))
	serverCopy := Message{ID: "42", Author: "You", Text: "hi", CreatedAt: at(9, 0)}
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.msgs = []Message{m1}
		f.publisher.gate = make(chan struct{})
		f.publisher.reply = func(OutgoingMessage) (Message, error) { return serverCopy, nil }
	})
	f.start(t)
	f.waitIDs(t, "1")

	sent, err := f.engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "local-1", sent.ID)
	assert.Equal(t, DefaultAuthor, sent.Author)
	assertTime(t, fixedNow, sent.CreatedAt)

	assert.Equal(t, []string{"1", "local-1"}, ids(f.engine.Messages()))
	assert.Equal(t, []string{"local-1"}, f.engine.Pending())
	assert.Equal(t, []string{"1", "local-1"}, ids(f.cache.Load()), "optimistic insert is persisted")

	close(f.publisher.gate)
	f.waitIDs(t, "1", "42")
	assert.Empty(t, f.engine.Pending())
	assert.Equal(t, serverCopy, f.engine.Messages()[1], "server copy stays at the optimistic index")
	assert.Equal(t, f.engine.Messages(), f.cache.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Publishes.WithLabelValues("ok")))
}

func TestEngine_EchoSuppression(t *testing.T) {
	m1 := msg("1", at(10, 0))
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.msgs = []Message{m1}
		f.publisher.gate = make(chan struct{})
		f.publisher.reply = func(OutgoingMessage) (Message, error) {
			return Message{ID: "42", Author: "You", Text: "hi", CreatedAt: at(10, 5)}, nil
		}
	})
	f.start(t)
	f.waitIDs(t, "1")

	sent, err := f.engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	echo := sent
	echo.Text = "server echo"
	f.stream.msgs <- echo

	require.Eventually(t, func() bool { return len(f.engine.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	got := f.engine.Messages()
	assert.Equal(t, []string{"1", sent.ID}, ids(got))
	assert.Equal(t, "hi", got[1].Text, "echo copy is discarded")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues(pushEcho)))

	close(f.publisher.gate)
	f.waitIDs(t, "1", "42")
}

func TestEngine_PushBeforePublishResponse(t *testing.T) {
	serverCopy := Message{ID: "42", Author: "You", Text: "hi", CreatedAt: at(10, 5)}
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.publisher.gate = make(chan struct{})
		f.publisher.reply = func(OutgoingMessage) (Message, error) { return serverCopy, nil }
	})
	f.start(t)

	_, err := f.engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	f.stream.msgs <- serverCopy
	f.waitIDs(t, "42", "local-1")

	close(f.publisher.gate)
	f.waitIDs(t, "42")
	assert.Empty(t, f.engine.Pending())
}

func TestEngine_PublishFailureKeepsOptimistic(t *testing.T) {
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.publisher.reply = func(OutgoingMessage) (Message, error) {
			return Message{}, &RequestError{Op: OpPublish, Kind: KindStatus, StatusCode: 500}
		}
	})
	f.start(t)

	_, err := f.engine.SendMessage(context.Background(), "still here")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Publishes.WithLabelValues("error")) == 1
	}, time.Second, 5*time.Millisecond)
	got := f.engine.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "still here", got[0].Text)
	assert.Equal(t, []string{"local-1"}, f.engine.Pending())
}

func TestEngine_SendEmptyText(t *testing.T) {
	f := newEngineFixture(t, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.engine.SendMessage(context.Background(), text)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Zero(t, f.publisher.callCount())
	assert.Empty(t, f.engine.Messages())
}

func TestEngine_SendTrimsText(t *testing.T) {
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.publisher.gate = make(chan struct{})
	})

	sent, err := f.engine.SendMessage(context.Background(), "  hi \n")
	require.NoError(t, err)
	assert.Equal(t, "hi", sent.Text)
	assert.Equal(t, "hi", f.engine.Messages()[0].Text)

	require.Eventually(t, func() bool { return f.publisher.callCount() == 1 }, time.Second, 5*time.Millisecond)
	f.publisher.mu.Lock()
	assert.Equal(t, "hi", f.publisher.calls[0].Text)
	f.publisher.mu.Unlock()
}

func TestEngine_SendUsesConfiguredIdentity(t *testing.T) {
	f := newEngineFixture(t, func(cfg *EngineConfig, f *engineFixture) {
		cfg.Author = "dana"
		cfg.AvatarURL = "https://cdn.example.com/d.png"
		cfg.BroadcastOverStream = true
		f.publisher.reply = func(out OutgoingMessage) (Message, error) {
			return Message{ID: "9", Author: out.Author, Text: out.Text, CreatedAt: out.CreatedAt}, nil
		}
	})

	sent, err := f.engine.SendMessage(context.Background(), "hey")
	require.NoError(t, err)
	assert.Equal(t, "dana", sent.Author)
	assert.Equal(t, "https://cdn.example.com/d.png", sent.AvatarURL)

	f.waitIDs(t, "9")
	require.Eventually(t, func() bool { return f.stream.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	f.publisher.mu.Lock()
	assert.Equal(t, "dana", f.publisher.calls[0].Author)
	f.publisher.mu.Unlock()
}

// Random interleavings of fetch, pushes, echoes and sends must never leave
// two entries with the same id.
func TestEngine_InterleavingsKeepIDsUnique(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			history := []Message{msg("h1", at(9, 0)), msg("h2", at(9, 30)), msg("s1", at(10, 0))}

			var serverSeq atomic.Int32
			f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
				f.fetcher.msgs = history
				f.fetcher.gate = make(chan struct{})
				f.publisher.reply = func(out OutgoingMessage) (Message, error) {
					n := serverSeq.Add(1)
					return Message{ID: fmt.Sprintf("s%d", n), Author: out.Author, Text: out.Text, CreatedAt: at(10, int(n))}, nil
				}
			})
			f.start(t)

			fetchReleased := false
			for step := 0; step < 30; step++ {
				switch rng.Intn(5) {
				case 0:
					f.stream.msgs <- history[rng.Intn(len(history))]
				case 1:
					f.stream.msgs <- msg(fmt.Sprintf("s%d", 1+rng.Intn(8)), at(10, rng.Intn(8)))
				case 2:
					if pending := f.engine.Pending(); len(pending) > 0 {
						f.stream.msgs <- msg(pending[rng.Intn(len(pending))], at(11, 0))
					}
				case 3:
					_, err := f.engine.SendMessage(context.Background(), fmt.Sprintf("text %d", step))
					require.NoError(t, err)
				case 4:
					if !fetchReleased {
						close(f.fetcher.gate)
						fetchReleased = true
					}
				}
			}
			if !fetchReleased {
				close(f.fetcher.gate)
			}

			require.Eventually(t, func() bool {
				if len(f.engine.Pending()) != 0 || len(f.stream.msgs) != 0 {
					return false
				}
				have := ids(f.engine.Messages())
				return contains(have, "h1") && contains(have, "h2")
			}, 2*time.Second, 5*time.Millisecond)

			seen := make(map[string]bool)
			for _, m := range f.engine.Messages() {
				assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
				seen[m.ID] = true
			}
		})
	}
}

// ============================================================================
// Push
// ============================================================================

func TestEngine_PushOrderingAndDuplicates(t *testing.T) {
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.msgs = []Message{msg("1", at(10, 0)), msg("3", at(10, 2))}
	})
	f.start(t)
	f.waitIDs(t, "1", "3")

	f.stream.msgs <- msg("2", at(10, 1))
	f.waitIDs(t, "1", "2", "3")

	f.stream.msgs <- msg("2", at(10, 1))
	f.stream.msgs <- msg("0", at(9, 0))
	f.waitIDs(t, "0", "1", "2", "3")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues(pushApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues(pushDuplicate)))
	assert.Equal(t, f.engine.Messages(), f.cache.Load())
}

func TestEngine_ConnectionRelay(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.stream.states <- ConnectionState{Status: StatusConnected}
	u := waitUpdate(t, f.engine, ReasonConnection)
	assert.Equal(t, StatusConnected, u.State.Status)

	f.stream.msgs <- msg("1", at(10, 0))
	u = waitUpdate(t, f.engine, ReasonPushed)
	assert.Equal(t, StatusConnected, u.State.Status, "list updates carry the last state")
}

// ============================================================================
// Reactions
// ============================================================================

func TestEngine_ToggleReaction(t *testing.T) {
	liked := msg("2", at(10, 1))
	liked.LikedByMe = true
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.msgs = []Message{msg("1", at(10, 0)), liked}
	})
	f.start(t)
	f.waitIDs(t, "1", "2")
	ctx := context.Background()

	found, err := f.engine.ToggleReaction(ctx, "1")
	require.NoError(t, err)
	assert.True(t, found)
	got := f.engine.Messages()[0]
	assert.Equal(t, 1, got.LikeCount)
	assert.True(t, got.LikedByMe)
	assert.Equal(t, 1, f.cache.Load()[0].LikeCount)

	f.engine.ToggleReaction(ctx, "1")
	got = f.engine.Messages()[0]
	assert.Equal(t, 0, got.LikeCount)
	assert.False(t, got.LikedByMe)

	f.engine.ToggleReaction(ctx, "2")
	got = f.engine.Messages()[1]
	assert.Equal(t, 0, got.LikeCount, "count floors at zero")
	assert.False(t, got.LikedByMe)

	found, err = f.engine.ToggleReaction(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, f.publisher.callCount(), "reactions stay local")
}

// ============================================================================
// Stop
// ============================================================================

func TestEngine_StopIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, func(_ *EngineConfig, f *engineFixture) {
		f.fetcher.gate = make(chan struct{})
	})
	f.start(t)
	require.Eventually(t, func() bool { return f.stream.connects.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.engine.Stop()
	f.engine.Stop()

	assert.Equal(t, int32(1), f.stream.disconnects.Load())
	for range f.engine.Updates() {
	}

	_, err := f.engine.SendMessage(context.Background(), "late")
	assert.ErrorIs(t, err, ErrStopped)
	_, err = f.engine.ToggleReaction(context.Background(), "1")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrStopped)
	assert.Empty(t, f.engine.Messages())
}

// ============================================================================
// End to end
// ============================================================================

func TestEngine_EndToEnd(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `[{"comment_id":1,"video_id":42,"user_id":7,"nickname":"alice","avatar_url":null,"content":"first","created_at":"2024-05-01T10:00:00Z"}]`)
		case http.MethodPost:
			io.WriteString(w, `{"id":"srv-1","author":"You","text":"hi","created_at":"2024-05-01T10:05:00Z"}`)
		}
	}))
	defer api.Close()

	ws := startWSServer(t, func(ctx context.Context, _ int, c *websocket.Conn) {
		c.Write(ctx, websocket.MessageText, []byte("hello"))
		drain(ctx, c)
	})

	storage, err := OpenPebbleStorage(t.TempDir())
	require.NoError(t, err)
	defer storage.Close()
	cache := NewCache(storage, nil)

	client := NewClient(api.URL)
	engine, err := NewEngine(EngineConfig{
		ConversationID: "42",
		Fetcher:        client,
		Publisher:      client,
		Stream:         NewRealtimeClient(RealtimeConfig{URL: ws.url}),
		Cache:          cache,
	})
	require.NoError(t, err)
	defer engine.Stop()
	require.NoError(t, engine.Start(context.Background()))

	hasText := func(text string) bool {
		for _, m := range engine.Messages() {
			if m.Text == text {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return hasText("first") && hasText("hello") }, 3*time.Second, 10*time.Millisecond)

	_, err = engine.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := engine.Messages()
		return len(msgs) == 3 && msgs[2].ID == "srv-1"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, engine.Pending())

	final := engine.Messages()
	engine.Stop()
	assert.Equal(t, final, cache.Load())
}
