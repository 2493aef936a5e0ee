package commentsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultAuthor names the local user on optimistic messages.
const DefaultAuthor = "You"

// Store is the persistence capability the engine writes through on every
// mutation. Both methods are best-effort. *Cache implements it.
type Store interface {
	Save(msgs []Message)
	Load() []Message
}

// UpdateReason says which step produced an Update.
type UpdateReason string

const (
	ReasonFetched    UpdateReason = "fetched"
	ReasonPushed     UpdateReason = "pushed"
	ReasonOptimistic UpdateReason = "optimistic"
	ReasonConfirmed  UpdateReason = "confirmed"
	ReasonReaction   UpdateReason = "reaction"
	ReasonSeeded     UpdateReason = "seeded"
	ReasonConnection UpdateReason = "connection"
)

// Update is a change notification. It always carries the full feed and the
// latest connection state, so a reader that skipped updates loses nothing.
type Update struct {
	Messages []Message
	State    ConnectionState
	Reason   UpdateReason
}

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig wires an Engine to its collaborators. ConversationID,
// Fetcher, Publisher and Stream are required.
type EngineConfig struct {
	ConversationID string

	Fetcher   HistoryFetcher
	Publisher Publisher
	Stream    Stream
	Cache     Store
	Logger    Logger
	Metrics   *Metrics

	// Author and AvatarURL identify the local user on outgoing messages.
	Author    string
	AvatarURL string

	// SeedFromCache loads the persisted feed before the first fetch.
	SeedFromCache bool
	// BroadcastOverStream also writes each sent message to the stream.
	BroadcastOverStream bool

	// UpdateBuffer is how many undelivered updates are kept before the
	// oldest is dropped.
	UpdateBuffer int

	NewID func() string
	Now   func() time.Time
}

func (c *EngineConfig) defaults() {
	c.Logger = loggerOrDiscard(c.Logger)
	if c.Cache == nil {
		c.Cache = NewCache(NewMemoryStorage(), &CacheOptions{Logger: c.Logger, Metrics: c.Metrics})
	}
	if c.Author == "" {
		c.Author = DefaultAuthor
	}
	if c.UpdateBuffer == 0 {
		c.UpdateBuffer = 16
	}
	if c.NewID == nil {
		c.NewID = newLocalID
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *EngineConfig) validate() error {
	switch {
	case c.ConversationID == "":
		return errors.New("commentsync: conversation id is required")
	case c.Fetcher == nil:
		return errors.New("commentsync: history fetcher is required")
	case c.Publisher == nil:
		return errors.New("commentsync: publisher is required")
	case c.Stream == nil:
		return errors.New("commentsync: stream is required")
	}
	return nil
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the merged comment feed for one conversation. Every change to
// the feed and to the set of unconfirmed local messages runs on a single
// goroutine, is persisted, and is then published on Updates.
//
// The engine's goroutine starts in NewEngine; call Stop to release it.
type Engine struct {
	cfg EngineConfig
	log Logger

	ops     chan func()
	updates *notifier[Update]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancelStart context.CancelFunc
	stopOnce    sync.Once

	// Owned by the run goroutine.
	list    []Message
	pending map[string]struct{}
	state   ConnectionState
}

// NewEngine validates cfg and starts the engine's mutation goroutine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		ops:     make(chan func()),
		updates: newNotifier[Update](cfg.UpdateBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		list:    []Message{},
		pending: make(map[string]struct{}),
		state:   ConnectionState{Status: StatusDisconnected},
	}
	go e.run()
	return e, nil
}

// Updates returns the change notification channel. It is closed by Stop.
func (e *Engine) Updates() <-chan Update { return e.updates.C() }

func (e *Engine) run() {
	defer close(e.done)

	msgs := e.cfg.Stream.Messages()
	states := e.cfg.Stream.States()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.ops:
			fn()
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			e.applyPush(msg)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			e.state = s
			e.notify(ReasonConnection)
		}
	}
}

// do runs fn on the engine goroutine and waits for it to finish.
func (e *Engine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// commit persists the feed and then notifies. Called after every mutation.
func (e *Engine) commit(reason UpdateReason) {
	e.cfg.Cache.Save(e.list)
	e.cfg.Metrics.feedSize(len(e.list), len(e.pending))
	e.notify(reason)
}

func (e *Engine) notify(reason UpdateReason) {
	e.updates.send(Update{
		Messages: cloneMessages(e.list),
		State:    e.state,
		Reason:   reason,
	})
}

func (e *Engine) indexOf(id string) int {
	for i := range e.list {
		if e.list[i].ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start issues the catch-up fetch and connects the stream. Both run in the
// background and neither waits for the other. ctx bounds the fetch and the
// stream connection.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.stopped:
		e.mu.Unlock()
		return ErrStopped
	case e.started:
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	startCtx, cancel := context.WithCancel(ctx)
	e.cancelStart = cancel
	e.wg.Add(2)
	e.mu.Unlock()

	if e.cfg.SeedFromCache {
		if err := e.do(e.seedFromCache); err != nil {
			e.wg.Add(-2)
			return err
		}
	}

	go e.fetch(startCtx)
	go func() {
		defer e.wg.Done()
		if err := e.cfg.Stream.Connect(startCtx); err != nil {
			e.log.Log(startCtx, slog.LevelDebug, "stream connect returned error",
				"conversation_id", e.cfg.ConversationID, "err", err)
		}
	}()
	return nil
}

// Stop disconnects the stream, cancels outstanding background work and
// closes Updates. It is safe to call more than once and from any goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		cancelStart := e.cancelStart
		e.mu.Unlock()

		if cancelStart != nil {
			cancelStart()
		}
		e.cancel()
		<-e.done
		if err := e.cfg.Stream.Disconnect(); err != nil {
			e.log.Log(context.Background(), slog.LevelDebug, "stream disconnect",
				"conversation_id", e.cfg.ConversationID, "err", err)
		}
		e.wg.Wait()
		e.updates.close()
	})
}

func (e *Engine) seedFromCache() {
	if len(e.list) != 0 {
		return
	}
	cached := uniqueByID(e.cfg.Cache.Load())
	if len(cached) == 0 {
		return
	}
	sortMessages(cached)
	e.list = cached
	e.commit(ReasonSeeded)
}

// ============================================================================
// Catch-up fetch
// ============================================================================

func (e *Engine) fetch(ctx context.Context) {
	defer e.wg.Done()

	fetched, err := e.cfg.Fetcher.FetchHistory(ctx, e.cfg.ConversationID)
	e.cfg.Metrics.fetch(err)
	if err != nil {
		e.log.Log(ctx, slog.LevelWarn, "fetch history failed",
			"conversation_id", e.cfg.ConversationID, "err", err)
		return
	}
	e.do(func() { e.applyFetched(fetched) })
}

// applyFetched replaces an empty feed, or unions the fetched history with
// whatever arrived first so a slow fetch never erases a faster push.
func (e *Engine) applyFetched(fetched []Message) {
	merged := uniqueByID(fetched)
	if len(e.list) != 0 {
		seen := make(map[string]struct{}, len(merged))
		for _, m := range merged {
			seen[m.ID] = struct{}{}
		}
		for _, m := range e.list {
			if _, ok := seen[m.ID]; !ok {
				merged = append(merged, m)
			}
		}
	}
	sortMessages(merged)
	e.list = merged
	e.log.Log(e.ctx, slog.LevelDebug, "history applied",
		"conversation_id", e.cfg.ConversationID, "count", len(merged))
	e.commit(ReasonFetched)
}

// uniqueByID keeps the first message for each id.
func uniqueByID(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ============================================================================
// Push
// ============================================================================

func (e *Engine) applyPush(msg Message) {
	if _, ok := e.pending[msg.ID]; ok {
		delete(e.pending, msg.ID)
		e.cfg.Metrics.push(pushEcho)
		e.cfg.Metrics.feedSize(len(e.list), len(e.pending))
		e.log.Log(e.ctx, slog.LevelDebug, "echo suppressed", "message_id", msg.ID)
		return
	}
	if e.indexOf(msg.ID) >= 0 {
		e.cfg.Metrics.push(pushDuplicate)
		e.log.Log(e.ctx, slog.LevelDebug, "duplicate push dropped", "message_id", msg.ID)
		return
	}

	i := sort.Search(len(e.list), func(i int) bool { return msg.Before(e.list[i]) })
	e.list = append(e.list, Message{})
	copy(e.list[i+1:], e.list[i:])
	e.list[i] = msg
	e.cfg.Metrics.push(pushApplied)
	e.commit(ReasonPushed)
}

// ============================================================================
// Send
// ============================================================================

// SendMessage trims text, shows it immediately as an optimistic message and
// publishes it in the background. The returned message carries the local id. A
// publish failure leaves the optimistic message in place and is only
// logged.
func (e *Engine) SendMessage(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := e.cfg.Now().UTC()
	out := OutgoingMessage{
		Author:    e.cfg.Author,
		Text:      text,
		AvatarURL: e.cfg.AvatarURL,
		CreatedAt: now,
	}
	optimistic := Message{
		ID:        e.cfg.NewID(),
		Author:    out.Author,
		Text:      out.Text,
		AvatarURL: out.AvatarURL,
		CreatedAt: now,
	}

	err := e.do(func() {
		e.list = append(e.list, optimistic)
		e.pending[optimistic.ID] = struct{}{}
		e.commit(ReasonOptimistic)

		e.wg.Add(1)
		go e.publish(optimistic.ID, out)
		if e.cfg.BroadcastOverStream {
			e.wg.Add(1)
			go e.broadcast(out)
		}
	})
	if err != nil {
		return Message{}, err
	}
	return optimistic, nil
}

func (e *Engine) publish(localID string, out OutgoingMessage) {
	defer e.wg.Done()

	posted, err := e.cfg.Publisher.Publish(e.ctx, e.cfg.ConversationID, out)
	e.cfg.Metrics.publish(err)
	if err != nil {
		e.log.Log(e.ctx, slog.LevelWarn, "publish failed",
			"conversation_id", e.cfg.ConversationID, "message_id", localID, "err", err)
		return
	}
	e.do(func() { e.confirm(localID, posted) })
}

// confirm swaps the optimistic entry for the server's copy at the same
// index. If a push already delivered the server copy, the optimistic entry
// is dropped instead.
func (e *Engine) confirm(localID string, posted Message) {
	delete(e.pending, localID)
	i := e.indexOf(localID)
	if i < 0 {
		e.cfg.Metrics.feedSize(len(e.list), len(e.pending))
		return
	}
	if posted.ID != localID && e.indexOf(posted.ID) >= 0 {
		e.list = append(e.list[:i], e.list[i+1:]...)
	} else {
		e.list[i] = posted
	}
	e.commit(ReasonConfirmed)
}

func (e *Engine) broadcast(out OutgoingMessage) {
	defer e.wg.Done()
	if err := e.cfg.Stream.Send(e.ctx, out); err != nil {
		e.log.Log(e.ctx, slog.LevelDebug, "stream broadcast failed",
			"conversation_id", e.cfg.ConversationID, "err", err)
	}
}

// ============================================================================
// Reactions and queries
// ============================================================================

// ToggleReaction likes or unlikes the message with id. The change is local
// only. It reports false when no message has that id.
func (e *Engine) ToggleReaction(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := e.do(func() {
		i := e.indexOf(id)
		if i < 0 {
			return
		}
		found = true
		m := &e.list[i]
		if m.LikedByMe {
			m.LikedByMe = false
			if m.LikeCount > 0 {
				m.LikeCount--
			}
		} else {
			m.LikedByMe = true
			m.LikeCount++
		}
		e.commit(ReasonReaction)
	})
	return found, err
}

// Messages returns a copy of the current feed. After Stop it returns an
// empty slice.
func (e *Engine) Messages() []Message {
	var out []Message
	if err := e.do(func() { out = cloneMessages(e.list) }); err != nil {
		return []Message{}
	}
	return out
}

// Pending returns the ids of optimistic messages not yet resolved, sorted.
func (e *Engine) Pending() []string {
	out := []string{}
	e.do(func() {
		for id := range e.pending {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// Count returns the number of messages in the feed.
func (e *Engine) Count() int {
	var n int
	e.do(func() { n = len(e.list) })
	return n
}
