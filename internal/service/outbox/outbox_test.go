package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory/internal/model"
	"inventory/internal/repository"
	"inventory/internal/repository/memstore"
	"inventory/pkg/breaker"
	"inventory/pkg/lock"
	"inventory/pkg/queue"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []Event
	fail  map[string]error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{fail: map[string]error{}}
}

func (h *recordingHandler) record(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ev)
	return h.fail[ev.Type()]
}

func (h *recordingHandler) HandleLowStockAlert(ctx context.Context, e *LowStockAlert) error {
	return h.record(e)
}

func (h *recordingHandler) HandleOrderStockReleaseCheck(ctx context.Context, e *OrderStockReleaseCheck) error {
	return h.record(e)
}

func (h *recordingHandler) HandleOrderPostProcess(ctx context.Context, e *OrderPostProcess) error {
	return h.record(e)
}

func (h *recordingHandler) HandleShipmentStatusChanged(ctx context.Context, e *ShipmentStatusChanged) error {
	return h.record(e)
}

func (h *recordingHandler) Calls() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.calls...)
}

var (
	_ Handler = (*recordingHandler)(nil)
	_ Handler = (*QueueHandler)(nil)
	_ Lease   = (*lock.RedisLock)(nil)
)

func enqueue(t *testing.T, store *memstore.Store, tenantID uint64, events ...Event) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(uow repository.UnitOfWork) error {
		for _, ev := range events {
			if err := Enqueue(context.Background(), uow, tenantID, ev); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func testOptions() Options {
	return Options{BatchSize: 10, MaxAttempts: 3, PollInterval: 10 * time.Millisecond, RetryInterval: 20 * time.Millisecond}
}

func TestDecode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		&LowStockAlert{TenantID: 1, SKUStockID: 3, SKU: "MUG", Available: 2, Threshold: 5},
		&OrderStockReleaseCheck{TenantID: 1, Reference: "ORD-1", ReservationIDs: []string{"a", "b"}, CheckAfter: at},
		&OrderPostProcess{TenantID: 1, OrderID: 9, OrderNo: "ORD9", CompletedAt: at},
		&ShipmentStatusChanged{TenantID: 1, ShipmentID: 4, OrderID: 9, From: "PENDING", To: "SHIPPED", ChangedAt: at},
	}

	store := memstore.New()
	enqueue(t, store, 1, events...)

	rows := store.OutboxEvents()
	require.Len(t, rows, len(events))
	for i, row := range rows {
		assert.Equal(t, model.OutboxPending, row.Status)
		assert.Equal(t, events[i].Type(), row.Type)
		assert.Equal(t, events[i].Aggregate().ID, row.AggregateID)

		decoded, err := Decode(row.Type, row.Payload)
		require.NoError(t, err)
		assert.Equal(t, events[i], decoded)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode("INVOICE_ISSUED", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode(TypeLowStockAlert, []byte(`not json`))
	assert.Error(t, err)
}

func TestDispatcher_CompletesOldestFirst(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 1})
	enqueue(t, store, 2, &OrderPostProcess{TenantID: 2, OrderID: 7})

	h := newRecordingHandler()
	d := NewDispatcher(store, h, nil, testOptions(), nil, nil)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunResult{Fetched: 2, Completed: 2}, res)

	calls := h.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, TypeLowStockAlert, calls[0].Type())
	assert.Equal(t, TypeOrderPostProcess, calls[1].Type())

	for _, row := range store.OutboxEvents() {
		assert.Equal(t, model.OutboxCompleted, row.Status)
		assert.NotNil(t, row.ProcessedAt)
		assert.Equal(t, 1, row.Attempts)
	}

	// nothing left
	res, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
}

func TestDispatcher_FailureDoesNotBlockBatch(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1,
		&LowStockAlert{TenantID: 1, SKUStockID: 1},
		&OrderPostProcess{TenantID: 1, OrderID: 7},
		&ShipmentStatusChanged{TenantID: 1, ShipmentID: 3},
	)

	h := newRecordingHandler()
	h.fail[TypeOrderPostProcess] = errors.New("crm unavailable")
	d := NewDispatcher(store, h, nil, testOptions(), nil, nil)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)

	rows := store.OutboxEvents()
	assert.Equal(t, model.OutboxCompleted, rows[0].Status)
	assert.Equal(t, model.OutboxFailed, rows[1].Status)
	require.NotNil(t, rows[1].Error)
	assert.Contains(t, *rows[1].Error, "crm unavailable")
	assert.Equal(t, model.OutboxCompleted, rows[2].Status)
}

func TestDispatcher_UnknownTypeFails(t *testing.T) {
	store := memstore.New()
	err := store.Repos().Outbox().Create(context.Background(), &model.OutboxEvent{
		TenantID: 1, Type: "INVOICE_ISSUED", Payload: model.JSONPayload(`{}`),
	})
	require.NoError(t, err)

	d := NewDispatcher(store, newRecordingHandler(), nil, testOptions(), nil, nil)
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.OutboxFailed, store.OutboxEvents()[0].Status)
}

func TestDispatcher_HandlerPanicMarksFailed(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 1})

	d := NewDispatcher(store, panicHandler{newRecordingHandler()}, nil, testOptions(), nil, nil)
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.OutboxFailed, store.OutboxEvents()[0].Status)
}

type panicHandler struct{ *recordingHandler }

func (panicHandler) HandleLowStockAlert(ctx context.Context, e *LowStockAlert) error {
	panic("nil map")
}

func TestDispatcher_BatchIsBounded(t *testing.T) {
	store := memstore.New()
	for i := 0; i < 5; i++ {
		enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: uint64(i + 1)})
	}

	opts := testOptions()
	opts.BatchSize = 2
	d := NewDispatcher(store, newRecordingHandler(), nil, opts, nil, nil)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)

	counts, err := store.Repos().Outbox().CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.OutboxPending])
}

func TestDispatcher_RetryFailed(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &OrderPostProcess{TenantID: 1, OrderID: 7})

	h := newRecordingHandler()
	h.fail[TypeOrderPostProcess] = errors.New("down")
	opts := testOptions()
	opts.MaxAttempts = 2
	d := NewDispatcher(store, h, nil, opts, nil, nil)
	ctx := context.Background()

	_, err := d.RunOnce(ctx)
	require.NoError(t, err)

	n, err := d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// second failure exhausts the attempts
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	n, err = d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	row := store.OutboxEvents()[0]
	assert.Equal(t, model.OutboxFailed, row.Status)
	assert.Equal(t, 2, row.Attempts)
}

func TestDispatcher_ConcurrentRunsDispatchOnce(t *testing.T) {
	store := memstore.New()
	for i := 0; i < 20; i++ {
		enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: uint64(i + 1)})
	}

	h := newRecordingHandler()
	opts := testOptions()
	opts.BatchSize = 100
	d := NewDispatcher(store, h, nil, opts, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.Calls(), 20)
}

func setupLease(t *testing.T, key string) (*redis.Client, *lock.RedisLock) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		client.Close()
		s.Close()
	})
	return client, lock.NewRedisLock(client, key, time.Minute)
}

func TestDispatcher_LeaseExclusion(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 1})

	client, lease := setupLease(t, "inventory:outbox:dispatcher")
	other := lock.NewRedisLock(client, "inventory:outbox:dispatcher", time.Minute)
	require.NoError(t, other.Lock(context.Background()))

	h := newRecordingHandler()
	d := NewDispatcher(store, h, lease, testOptions(), nil, nil)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.Calls())
	assert.Equal(t, model.OutboxPending, store.OutboxEvents()[0].Status)

	require.NoError(t, other.Unlock(context.Background()))

	res, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Completed)

	held, err := lease.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held, "lease is released after the run")
}

func TestDispatcher_StartStopsOnCancel(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 1})

	h := newRecordingHandler()
	d := NewDispatcher(store, h, nil, testOptions(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	assert.Eventually(t, func() bool {
		return len(h.Calls()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestQueueHandler_PublishesToTopic(t *testing.T) {
	mq, err := queue.NewMemoryQueue(nil)
	require.NoError(t, err)
	defer mq.Close()

	received := make(chan queue.Message, 1)
	topic := Topic("inventory.", TypeOrderStockReleaseCheck)
	assert.Equal(t, "inventory.order_stock_release_check", topic)
	require.NoError(t, mq.Subscribe(context.Background(), topic, func(ctx context.Context, _ string, msg queue.Message) error {
		received <- msg
		return nil
	}))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewQueueHandler(mq, "inventory.", nil)
	ev := &OrderStockReleaseCheck{TenantID: 4, Reference: "ORD-1", ReservationIDs: []string{"r1"}, CheckAfter: at}
	require.NoError(t, ev.Accept(context.Background(), h))

	select {
	case msg := <-received:
		assert.Equal(t, "order:ORD-1", string(msg.Key))
		assert.Equal(t, TypeOrderStockReleaseCheck, msg.Headers[HeaderEventType])
		assert.Equal(t, "4", msg.Headers[HeaderTenantID])
		assert.Equal(t, "2026-03-01T12:00:00Z", msg.Headers[HeaderNotBefore])

		decoded, err := Decode(msg.Headers[HeaderEventType], msg.Value)
		require.NoError(t, err)
		assert.Equal(t, ev, decoded)
	case <-time.After(time.Second):
		t.Fatal("message not published")
	}
}

func TestDispatcher_QueueHandlerEndToEnd(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 3, Available: 1, Threshold: 5})

	mq, err := queue.NewMemoryQueue(nil)
	require.NoError(t, err)
	defer mq.Close()

	d := NewDispatcher(store, NewQueueHandler(mq, "inventory.", nil), nil, testOptions(), nil, nil)
	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, mq.Len("inventory.low_stock_alert"))

	// a closed queue fails dispatch and leaves the row FAILED
	enqueue(t, store, 1, &LowStockAlert{TenantID: 1, SKUStockID: 4})
	require.NoError(t, mq.Close())

	res, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.OutboxFailed, store.OutboxEvents()[1].Status)
}

func TestDispatcher_BreakerFailsFast(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1,
		&LowStockAlert{TenantID: 1, SKUStockID: 3},
		&LowStockAlert{TenantID: 1, SKUStockID: 4},
	)

	mq, err := queue.NewMemoryQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mq.Close())

	h := NewQueueHandler(mq, "inventory.", nil).WithBreakers(breaker.NewSet(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}))
	d := NewDispatcher(store, h, nil, testOptions(), nil, nil)

	res, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)

	rows := store.OutboxEvents()
	require.NotNil(t, rows[0].Error)
	require.NotNil(t, rows[1].Error)
	assert.Contains(t, *rows[0].Error, queue.ErrQueueClosed.Error())
	assert.Contains(t, *rows[1].Error, breaker.ErrOpen.Error(), "second row never reaches the queue")
}
