package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/pkg/bus"
	"github.com/stratamem/strata/pkg/config"
	"github.com/stratamem/strata/pkg/database"
	"github.com/stratamem/strata/pkg/keyspace"
	"github.com/stratamem/strata/pkg/llm"
	"github.com/stratamem/strata/pkg/memory/l1"
	"github.com/stratamem/strata/pkg/memory/l2"
	"github.com/stratamem/strata/pkg/memory/l3"
	"github.com/stratamem/strata/pkg/memory/l4"
	"github.com/stratamem/strata/pkg/models"
	"github.com/stratamem/strata/pkg/redisstore"
	"github.com/stratamem/strata/test/util"
)

// fakeGraph is a failable in-memory graph executor.
type fakeGraph struct {
	mu      sync.Mutex
	writes  int
	failAll bool
}

func (f *fakeGraph) Execute(context.Context, string, map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, fmt.Errorf("graph store unavailable")
	}
	f.writes++
	return nil, nil
}

func (f *fakeGraph) Close(context.Context) error { return nil }

type harness struct {
	rdb      *redis.Client
	store    *redisstore.Client
	active   *l1.ActiveContext
	working  *l2.WorkingMemory
	episodic *l3.Episodic
	semantic *l4.Semantic
	graph    *fakeGraph
	mock     *llm.MockProvider
	client   *llm.Client
	pub      *bus.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	db := database.NewClientFromPool(pool)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := redisstore.NewClientFromRedis(context.Background(), rdb)
	require.NoError(t, err)

	graph := &fakeGraph{}
	mock := llm.NewMockProvider("mock")
	client, err := llm.NewClient(mock)
	require.NoError(t, err)

	return &harness{
		rdb:      rdb,
		store:    store,
		active:   l1.New(store, l1.Config{WindowSize: 20, TTL: time.Hour}),
		working:  l2.New(db, store),
		episodic: l3.New(db, store, graph),
		semantic: l4.New(db),
		graph:    graph,
		mock:     mock,
		client:   client,
		pub:      bus.NewPublisher(rdb),
	}
}

func promotionConfig() config.PromotionConfig {
	return config.PromotionConfig{
		BatchMinTurns: 4,
		Threshold:     0.5,
		BatchSize:     20,
		LLMRetries:    2,
		LeaseTTL:      30 * time.Second,
	}
}

func (h *harness) seedTurns(t *testing.T, sessionID string, contents ...string) {
	t.Helper()
	for i, content := range contents {
		turn, err := models.NewTurn(sessionID, i, models.RoleUser, content, time.Now().UTC())
		require.NoError(t, err)
		_, err = h.active.Store(context.Background(), turn)
		require.NoError(t, err)
	}
}

func (h *harness) eventsOfType(t *testing.T, eventType string) []redis.XMessage {
	t.Helper()
	msgs, err := h.rdb.XRange(context.Background(), keyspace.LifecycleStream, "-", "+").Result()
	require.NoError(t, err)
	var out []redis.XMessage
	for _, m := range msgs {
		if m.Values["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

const extractionJSON = `{"facts":[
	{"content":"User must always be answered in French","type":"instruction","category":"personal",
	 "certainty":0.95,"impact":0.9,"justification":"explicit standing order in turn 0"},
	{"content":"User mentioned the weather in passing","type":"mention","category":"personal",
	 "certainty":0.4,"impact":0.2,"justification":"smalltalk"}
]}`

func TestPromotion_ExtractsScoresAndDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := NewPromotion(h.store, h.working, h.client, h.pub, promotionConfig())

	h.seedTurns(t, "full:s1",
		"From now on always answer in French",
		"Also remember I prefer short answers")
	h.mock.Enqueue(extractionJSON)

	promoted, err := engine.Run(ctx, "full:s1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted, "only the fact clearing the threshold is promoted")

	facts, err := h.working.QueryBySession(ctx, "full:s1", l2.Filters{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, models.FactTypeInstruction, facts[0].FactType)
	assert.Equal(t, "explicit standing order in turn 0", facts[0].Justification)
	assert.ElementsMatch(t, []int{0, 1}, facts[0].Provenance.SourceTurnIDs)

	assert.Len(t, h.eventsOfType(t, bus.EventSignificanceScored), 2,
		"every extracted fact is scored, promoted or not")
	assert.Len(t, h.eventsOfType(t, bus.EventFactPromoted), 1)

	// A second pass re-extracts the same content; deterministic IDs and the
	// index re-check suppress re-insertion.
	h.mock.Enqueue(extractionJSON)
	promoted, err = engine.Run(ctx, "full:s1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	facts, err = h.working.QueryBySession(ctx, "full:s1", l2.Filters{})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestPromotion_EmptyBatchIsNoOp(t *testing.T) {
	h := newHarness(t)
	engine := NewPromotion(h.store, h.working, h.client, h.pub, promotionConfig())

	promoted, err := engine.Run(context.Background(), "full:empty", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
	assert.Empty(t, h.mock.Requests(), "no LLM call without candidates")
}

func TestPromotion_MalformedOutputEmitsFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := promotionConfig()
	engine := NewPromotion(h.store, h.working, h.client, h.pub, cfg)

	h.seedTurns(t, "full:s1", "Always deploy on Fridays, remember that")
	// Every attempt returns unusable output.
	for i := 0; i <= cfg.LLMRetries; i++ {
		h.mock.Enqueue(`[[[ not a fact list`)
	}

	_, err := engine.Run(ctx, "full:s1", 0)
	require.Error(t, err)

	assert.Len(t, h.eventsOfType(t, bus.EventPromotionFailed), 1)

	// Turns are untouched: the next run still sees them.
	turns, err := h.active.RetrieveSession(ctx, "full:s1", l1.NewestFirst)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
	facts, err := h.working.QueryBySession(ctx, "full:s1", l2.Filters{})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestPromotion_LeaseSerializesPerSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := NewPromotion(h.store, h.working, h.client, h.pub, promotionConfig())

	h.seedTurns(t, "full:s1", "Remember I am allergic to peanuts")

	// Another promoter holds the session lease.
	held, err := h.store.AcquireLease(ctx, keyspace.PromotionLease("full:s1"), "other", 60_000)
	require.NoError(t, err)
	require.True(t, held)

	promoted, err := engine.Run(ctx, "full:s1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted, "losing the lease is a silent no-op")
	assert.Empty(t, h.mock.Requests())
}

func TestPromotion_PreferencePairEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := NewPromotion(h.store, h.working, h.client, h.pub, promotionConfig())

	h.seedTurns(t, "full:s1",
		"I prefer blue", "Ok", "Also I dislike red", "Ok")
	h.mock.Enqueue(`{"facts":[
		{"content":"User prefers blue","type":"preference","category":"personal",
		 "certainty":0.9,"impact":0.6,"justification":"stated directly"},
		{"content":"User dislikes red","type":"preference","category":"personal",
		 "certainty":0.9,"impact":0.6,"justification":"stated directly"}
	]}`)

	promoted, err := engine.Run(ctx, "full:s1", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	facts, err := h.working.QueryBySession(ctx, "full:s1", l2.Filters{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(facts), 2)
	var blue, red bool
	for _, f := range facts {
		assert.Equal(t, models.FactTypePreference, f.FactType)
		if strings.Contains(f.Content, "blue") {
			blue = true
		}
		if strings.Contains(f.Content, "red") {
			red = true
		}
	}
	assert.True(t, blue, "one promoted fact mentions blue")
	assert.True(t, red, "one promoted fact mentions red")
}

func TestPromotion_ThresholdGatesTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := NewPromotion(h.store, h.working, h.client, h.pub, promotionConfig())

	// Low-significance smalltalk only; the script filters everything out.
	h.seedTurns(t, "full:s1", "ok", "thanks", "bye")

	promoted, err := engine.Run(ctx, "full:s1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
	assert.Empty(t, h.mock.Requests(), "no candidates means no extraction call")
}
