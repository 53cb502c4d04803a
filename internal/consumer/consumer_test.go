package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/deadletter"
	"ordersync/internal/event"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/replica"
)

type memDeadLetters struct {
	mu      sync.Mutex
	letters []deadletter.Letter
}

func (m *memDeadLetters) Append(_ context.Context, l deadletter.Letter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters = append(m.letters, l)
	return nil
}

// flakyStore fails the first failures writes, then delegates.
type flakyStore struct {
	*replica.Memory[int64, model.Item]
	failures int
	calls    int
}

func (f *flakyStore) Upsert(id int64, v model.Item) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("store temporarily unavailable")
	}
	return f.Memory.Upsert(id, v)
}

func msg(t *testing.T, id int64, typ event.Type, payload any) Message {
	t.Helper()
	b, err := event.Encode(id, typ, payload)
	require.NoError(t, err)
	return Message{Topic: "items", Value: b}
}

func newItemLane(store Applier[model.Item], dlq deadletter.Writer, reg *metrics.Registry) *Lane[model.Item] {
	return NewLane[model.Item](LaneConfig{
		Entity:     "items",
		Topic:      "items",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		DeadLetter: dlq,
		Metrics:    reg,
	}, store, DecodeItem)
}

func widget() map[string]any {
	return map[string]any{"name": "Widget", "price": 9.99, "stock": 100}
}

func TestLane_UpsertEventsAreFullReplaceAndIdempotent(t *testing.T) {
	for _, typ := range []event.Type{event.Created, event.Updated, event.InitialLoad} {
		store := replica.NewMemory[int64, model.Item]()
		lane := newItemLane(store, nil, nil)

		m := msg(t, 5, typ, widget())
		require.NoError(t, lane.Handle(context.Background(), m))
		require.NoError(t, lane.Handle(context.Background(), m))

		got, ok, err := store.Get(5)
		require.NoError(t, err)
		require.True(t, ok, typ.String())
		assert.Equal(t, int64(5), got.ID)
		assert.Equal(t, "Widget", got.Name)
		assert.True(t, got.UnitPrice.Equal(decimal.RequireFromString("9.99")))
		assert.Equal(t, 100, got.StockLevel)
		n, _ := store.Count()
		assert.Equal(t, 1, n)
	}
}

func TestLane_DeleteOfAbsentKeyIsNoop(t *testing.T) {
	store := replica.NewMemory[int64, model.Item]()
	_ = store.Upsert(1, model.Item{ID: 1, Name: "keep"})
	dlq := &memDeadLetters{}
	lane := newItemLane(store, dlq, nil)

	require.NoError(t, lane.Handle(context.Background(), msg(t, 42, event.Deleted, nil)))

	n, _ := store.Count()
	assert.Equal(t, 1, n)
	assert.Empty(t, dlq.letters)
}

func TestLane_RedeliveredLifecycleEndsDeleted(t *testing.T) {
	store := replica.NewMemory[int64, model.Item]()
	lane := newItemLane(store, nil, nil)

	create := msg(t, 8, event.Created, map[string]any{"name": "v1", "price": 1})
	update := msg(t, 8, event.Updated, map[string]any{"name": "v2", "price": 2})
	del := msg(t, 8, event.Deleted, nil)
	for _, m := range []Message{create, create, update, update, update, del, del} {
		require.NoError(t, lane.Handle(context.Background(), m))
	}

	_, ok, err := store.Get(8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLane_UnknownTypeIsDiscarded(t *testing.T) {
	store := replica.NewMemory[int64, model.Item]()
	dlq := &memDeadLetters{}
	reg := metrics.NewRegistry()
	lane := newItemLane(store, dlq, reg)

	raw := Message{Topic: "items", Value: []byte(`{"id":3,"eventType":"PRODUCT_ARCHIVED","payload":{"name":"x"}}`)}
	require.NoError(t, lane.Handle(context.Background(), raw))
	require.NoError(t, lane.Handle(context.Background(), msg(t, 4, event.Created, widget())))

	_, ok, _ := store.Get(3)
	assert.False(t, ok)
	_, ok, _ = store.Get(4)
	assert.True(t, ok, "lane keeps consuming after an unknown event")
	assert.Empty(t, dlq.letters)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EventsDiscarded.WithLabelValues("items")))
}

func TestLane_TransientFailureIsRetried(t *testing.T) {
	store := &flakyStore{Memory: replica.NewMemory[int64, model.Item](), failures: 2}
	dlq := &memDeadLetters{}
	reg := metrics.NewRegistry()
	lane := newItemLane(store, dlq, reg)

	require.NoError(t, lane.Handle(context.Background(), msg(t, 5, event.Created, widget())))

	_, ok, _ := store.Get(5)
	assert.True(t, ok)
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, dlq.letters)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.EventRetries.WithLabelValues("items")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ReplicaRecords.WithLabelValues("items")))
	assert.Equal(t, Idle, lane.State())
}

func TestLane_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	store := &flakyStore{Memory: replica.NewMemory[int64, model.Item](), failures: 4}
	dlq := &memDeadLetters{}
	lane := newItemLane(store, dlq, nil)

	require.NoError(t, lane.Handle(context.Background(), msg(t, 5, event.Created, widget())))
	require.Len(t, dlq.letters, 1)
	assert.Equal(t, 4, dlq.letters[0].Attempts)
	assert.Contains(t, dlq.letters[0].Error, "temporarily unavailable")

	// the next event is not blocked
	require.NoError(t, lane.Handle(context.Background(), msg(t, 6, event.Created, widget())))
	_, ok, _ := store.Get(6)
	assert.True(t, ok)
}

func TestLane_MalformedEventsAreNotRetried(t *testing.T) {
	store := &flakyStore{Memory: replica.NewMemory[int64, model.Item]()}
	dlq := &memDeadLetters{}
	lane := newItemLane(store, dlq, nil)

	require.NoError(t, lane.Handle(context.Background(), Message{Topic: "items", Value: []byte(`{oops`)}))
	require.NoError(t, lane.Handle(context.Background(), Message{Topic: "items", Value: []byte(`{"id":2,"eventType":"CREATED","payload":{"price":"abc"}}`)}))

	require.Len(t, dlq.letters, 2)
	assert.Equal(t, 1, dlq.letters[1].Attempts)
	assert.Equal(t, 0, store.calls)
}

func TestLane_RunAppliesInOrderAndCommits(t *testing.T) {
	accounts := replica.NewMemoryAccounts()
	lane := NewLane[model.Account](LaneConfig{Entity: "accounts", Topic: "accounts", Backoff: time.Millisecond}, accounts, DecodeAccount)

	ch := make(chan Message, 4)
	ch <- Message{Topic: "accounts", Offset: 0, Value: []byte(`{"id":1,"eventType":"USER_CREATED","email":"a@example.com"}`)}
	ch <- Message{Topic: "accounts", Offset: 1, Value: []byte(`{"id":1,"eventType":"USER_UPDATED","email":"b@example.com"}`)}
	ch <- Message{Topic: "accounts", Offset: 2, Value: []byte(`{"id":2,"eventType":"INITIAL_LOAD","payload":{"email":"c@example.com"}}`)}
	close(ch)
	src := NewChanSource(ch)

	require.NoError(t, lane.Run(context.Background(), src))

	acc, ok, _ := accounts.GetByEmail("b@example.com")
	require.True(t, ok)
	assert.Equal(t, int64(1), acc.ID)
	_, ok, _ = accounts.GetByEmail("a@example.com")
	assert.False(t, ok)
	n, _ := accounts.Count()
	assert.Equal(t, 2, n)

	var offsets []int64
	for len(src.Committed()) > 0 {
		offsets = append(offsets, (<-src.Committed()).Offset)
	}
	assert.Equal(t, []int64{0, 1, 2}, offsets)
}

func TestLane_RunStopsOnCancel(t *testing.T) {
	lane := newItemLane(replica.NewMemory[int64, model.Item](), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lane.Run(ctx, NewChanSource(make(chan Message))) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not stop")
	}
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []kafka.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, ErrSourceClosed
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaSource_CommitsFetchedMessage(t *testing.T) {
	value, _ := event.Encode(5, event.InitialLoad, widget())
	fr := &fakeReader{msgs: []kafka.Message{{Topic: "items", Offset: 17, Key: []byte("5"), Value: value}}}
	store := replica.NewMemory[int64, model.Item]()
	lane := newItemLane(store, nil, nil)

	require.NoError(t, lane.Run(context.Background(), NewKafkaSourceWith(fr)))

	_, ok, _ := store.Get(5)
	assert.True(t, ok)
	require.Len(t, fr.committed, 1)
	assert.Equal(t, int64(17), fr.committed[0].Offset)
}

// failingDeadLetters rejects the first failures appends.
type failingDeadLetters struct {
	memDeadLetters
	failures int
	calls    int
}

func (f *failingDeadLetters) Append(ctx context.Context, l deadletter.Letter) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("dead-letter file not writable")
	}
	return f.memDeadLetters.Append(ctx, l)
}

func TestLane_DeadLetterWriteIsRetried(t *testing.T) {
	dlq := &failingDeadLetters{failures: 2}
	reg := metrics.NewRegistry()
	lane := newItemLane(replica.NewMemory[int64, model.Item](), dlq, reg)

	require.NoError(t, lane.Handle(context.Background(), Message{Topic: "items", Value: []byte(`{oops`)}))
	assert.Equal(t, 3, dlq.calls)
	assert.Len(t, dlq.letters, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EventsDeadLettered.WithLabelValues("items")))
}

func TestLane_RunDoesNotCommitWhenDeadLetterFails(t *testing.T) {
	dlq := &failingDeadLetters{failures: 100}
	lane := newItemLane(replica.NewMemory[int64, model.Item](), dlq, nil)

	ch := make(chan Message, 2)
	ch <- Message{Topic: "items", Offset: 0, Value: []byte(`{oops`)}
	ch <- msg(t, 5, event.Created, widget())
	close(ch)
	src := NewChanSource(ch)

	err := lane.Run(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not writable")
	assert.Equal(t, 0, len(src.Committed()))
	assert.Equal(t, 4, dlq.calls)
}

func TestDecodeItem_AcceptsLongAndShortFieldNames(t *testing.T) {
	for _, payload := range []string{
		`{"name":"Widget","unitPrice":9.99,"stockLevel":100}`,
		`{"name":"Widget","price":9.99,"stock":100}`,
	} {
		env, err := event.Decode([]byte(`{"id":5,"eventType":"INITIAL_LOAD","payload":` + payload + `}`))
		require.NoError(t, err)
		it, err := DecodeItem(env)
		require.NoError(t, err, payload)
		assert.True(t, it.UnitPrice.Equal(decimal.RequireFromString("9.99")), payload)
		assert.Equal(t, 100, it.StockLevel, payload)
	}
}

func TestLane_ItemWithoutPriceIsDeadLettered(t *testing.T) {
	store := replica.NewMemory[int64, model.Item]()
	dlq := &memDeadLetters{}
	lane := newItemLane(store, dlq, nil)

	raw := Message{Topic: "items", Value: []byte(`{"id":5,"eventType":"CREATED","payload":{"name":"Widget","stockLevel":1}}`)}
	require.NoError(t, lane.Handle(context.Background(), raw))

	_, ok, _ := store.Get(5)
	assert.False(t, ok)
	require.Len(t, dlq.letters, 1)
	assert.Contains(t, dlq.letters[0].Error, "no price")
	assert.Equal(t, 1, dlq.letters[0].Attempts)
}
