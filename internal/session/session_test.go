// ABOUTME: Tests for session state, the session table and the sweeper.
// ABOUTME: Covers owner switching, per-key exclusion, sweeping and draining.

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/ria-gateway/internal/flow"
	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSet(t *testing.T) *flow.Set {
	t.Helper()
	g, err := flow.Parse([]byte("info: {locale: en, entry: 1}\nnodes: [{id: 1, message: hi, validation: text:any}]"))
	require.NoError(t, err)
	return flow.NewSet(g)
}

func newTestSession(t *testing.T, user string) *Session {
	return New(user, "site-1", "group-a", testSet(t), time.Minute, time.Now())
}

func TestNew(t *testing.T) {
	s := newTestSession(t, "u1")

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "en", s.Locale)
	assert.Equal(t, OwnerBot, s.Owner)
	assert.Equal(t, NoAgent, s.AgentID)
	assert.False(t, s.Ended)

	_, ok := s.CurrentNode()
	assert.False(t, ok)

	s.NodeID = 1
	n, ok := s.CurrentNode()
	require.True(t, ok)
	assert.Equal(t, "hi", n.Message)
}

func TestSession_SetOwner(t *testing.T) {
	s := newTestSession(t, "u1")
	s.Variables["name"] = "Ada"
	s.Record(SpeakerUser, "hello", time.Now())

	s.SetOwner(OwnerAgent)
	assert.Equal(t, NoAgent, s.AgentID)
	s.AgentID = 3

	// Staying with the agent keeps the binding
	s.SetOwner(OwnerAgent)
	assert.Equal(t, 3, s.AgentID)

	s.SetOwner(OwnerAIModel)
	s.SetOwner(OwnerAgent)
	assert.Equal(t, NoAgent, s.AgentID)

	assert.Equal(t, "Ada", s.Variables["name"])
	assert.Len(t, s.History, 1)
}

func TestSession_RecordSkipsEmpty(t *testing.T) {
	s := newTestSession(t, "u1")
	s.Record(SpeakerBot, "", time.Now())
	assert.Empty(t, s.History)
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	s := New("u1", "site", "", testSet(t), time.Minute, now)

	assert.False(t, s.Expired(now.Add(30*time.Second)))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))

	s.Timeout = 0
	assert.False(t, s.Expired(now.Add(time.Hour)))
}

func TestParseOwner(t *testing.T) {
	assert.Equal(t, OwnerAIModel, ParseOwner("ai"))
	assert.Equal(t, OwnerAgent, ParseOwner("agent"))
	assert.Equal(t, OwnerBot, ParseOwner(""))
	assert.Equal(t, "AI", OwnerAIModel.String())
}

func TestTable_CreateAcquire(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	s := newTestSession(t, "u1")

	h, replaced, err := table.Create(ctx, "k", s)
	require.NoError(t, err)
	assert.Nil(t, replaced)
	assert.Same(t, s, h.Session())
	h.Release()
	h.Release() // second release is a no-op

	h2, err := table.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.Same(t, s, h2.Session())
	h2.Release()

	_, err = table.Acquire(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_CreateReplaces(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	first := newTestSession(t, "u1")
	second := newTestSession(t, "u1")

	h, _, err := table.Create(ctx, "k", first)
	require.NoError(t, err)
	h.Release()

	h, replaced, err := table.Create(ctx, "k", second)
	require.NoError(t, err)
	assert.Same(t, first, replaced)
	assert.Same(t, second, h.Session())
	h.Release()
	assert.Equal(t, 1, table.Len())
}

func TestTable_Discard(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	h, _, err := table.Create(ctx, "k", newTestSession(t, "u1"))
	require.NoError(t, err)
	table.Discard("k", h)
	h.Release() // deferred release after discard is a no-op

	assert.Equal(t, 0, table.Len())
	_, err = table.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTable_SerializesSameKey(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	h, _, err := table.Create(ctx, "k", newTestSession(t, "u1"))
	require.NoError(t, err)
	h.Release()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := table.Acquire(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}
			defer h.Release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestTable_AcquireHonorsContext(t *testing.T) {
	table := NewTable()
	h, _, err := table.Create(context.Background(), "k", newTestSession(t, "u1"))
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTable_Sweep(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	now := time.Now()

	ended := newTestSession(t, "ended")
	ended.End()
	idle := newTestSession(t, "idle")
	idle.LastMessageAt = now.Add(-time.Hour)
	live := newTestSession(t, "live")
	busy := newTestSession(t, "busy")
	busy.End()

	for key, s := range map[string]*Session{"ended": ended, "idle": idle, "live": live} {
		h, _, err := table.Create(ctx, key, s)
		require.NoError(t, err)
		h.Release()
	}
	busyHandle, _, err := table.Create(ctx, "busy", busy)
	require.NoError(t, err)

	removed := table.Sweep(now)
	assert.ElementsMatch(t, []*Session{ended, idle}, removed)
	assert.Equal(t, 2, table.Len())

	_, err = table.Acquire(ctx, "ended")
	assert.ErrorIs(t, err, ErrNotFound)

	busyHandle.Release()
	removed = table.Sweep(now)
	assert.Equal(t, []*Session{busy}, removed)
	assert.Equal(t, 1, table.Len())
}

func TestTable_Drain(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	a := newTestSession(t, "a")
	b := newTestSession(t, "b")
	ha, _, err := table.Create(ctx, "a", a)
	require.NoError(t, err)
	hb, _, err := table.Create(ctx, "b", b)
	require.NoError(t, err)
	hb.Release()

	go func() {
		time.Sleep(20 * time.Millisecond)
		ha.Release()
	}()

	drained := table.Drain(ctx)
	assert.ElementsMatch(t, []*Session{a, b}, drained)
	assert.Equal(t, 0, table.Len())
}

func TestSweeper_EvictsInBackground(t *testing.T) {
	table := NewTable()
	s := newTestSession(t, "u1")
	s.End()
	h, _, err := table.Create(context.Background(), "k", s)
	require.NoError(t, err)
	h.Release()

	evicted := make(chan []*Session, 1)
	sw := NewSweeper(table, 10*time.Millisecond, func(ss []*Session) { evicted <- ss }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer sw.Close()

	select {
	case got := <-evicted:
		assert.Equal(t, []*Session{s}, got)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not evict the ended session")
	}

	sw.Close()
}

func TestSession_Text(t *testing.T) {
	g, err := flow.Parse([]byte("info: {locale: it, entry: 1}\nparams: {msg_busy: 'Occupato!'}\nnodes: [{id: 1}]"))
	require.NoError(t, err)
	s := New("u", "w", "", flow.NewSet(g), 0, time.Now())

	assert.Equal(t, "Occupato!", s.Text(i18n.Busy))
	assert.Equal(t, i18n.Text("it", i18n.Offline), s.Text(i18n.Offline))
}
