package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

const goodToken = "good"

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token != goodToken {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return auth.Identity{UserID: "user-1"}, nil
}

type sent struct {
	to  string
	env domain.Envelope
}

// blockingVerifier never answers before the call's deadline.
type blockingVerifier struct{}

func (blockingVerifier) Verify(ctx context.Context, _ string) (auth.Identity, error) {
	<-ctx.Done()
	return auth.Identity{}, ctx.Err()
}

// stalledOrders hangs on CreateOrder until the call's deadline.
type stalledOrders struct {
	*repository.MemoryOrders
}

func (stalledOrders) CreateOrder(ctx context.Context, _ domain.Order) error {
	<-ctx.Done()
	return ctx.Err()
}

type recordingEmitter struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[string]bool
	stall map[string]bool
}

func (e *recordingEmitter) Emit(ctx context.Context, id string, env domain.Envelope) error {
	if e.stall[id] {
		<-ctx.Done()
		return ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[id] {
		return errors.New("send buffer full")
	}
	e.sent = append(e.sent, sent{to: id, env: env})
	return nil
}

func (e *recordingEmitter) to(id string) []domain.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Envelope
	for _, s := range e.sent {
		if s.to == id {
			out = append(out, s.env)
		}
	}
	return out
}

func (e *recordingEmitter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fixture struct {
	sockets *repository.MemorySockets
	orders  *repository.MemoryOrders
	emitter *recordingEmitter
	router  *Router
	svc     *Service
}

func newFixture(t *testing.T, enforce bool) *fixture {
	t.Helper()
	return newFixtureWith(t, stubVerifier{}, nil, enforce, time.Second)
}

// newFixtureWith lets a test swap the verifier and wrap the order store.
func newFixtureWith(t *testing.T, verifier auth.Verifier, wrap func(*repository.MemoryOrders) repository.OrderRepositoryInterface, enforce bool, timeout time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		sockets: repository.NewMemorySockets(),
		orders:  repository.NewMemoryOrders(),
		emitter: &recordingEmitter{},
	}
	var store repository.OrderRepositoryInterface = f.orders
	if wrap != nil {
		store = wrap(f.orders)
	}
	f.svc = New(repository.New(f.sockets, store), verifier, f.emitter, Options{
		EnforceTransitions: enforce,
		CallTimeout:        timeout,
	})
	f.router = f.svc.Router.(*Router)
	n := 0
	f.router.newID = func() string { n++; return fmt.Sprintf("order-%d", n) }
	f.router.now = func() time.Time { return time.Date(2024, 3, 9, 18, 30, 15, 0, time.UTC) }
	return f
}

func (f *fixture) connect(t *testing.T, id string, role domain.Role, entity string) domain.Connection {
	t.Helper()
	c := domain.Connection{ID: id, Role: role, EntityID: entity, InstanceID: "node-a", ConnectedAt: time.Now()}
	require.NoError(t, f.router.Connect(context.Background(), c))
	return c
}

func burgerOrder(token string) domain.NewOrderEvent {
	return domain.NewOrderEvent{
		Header:   domain.EventHeader{Token: token},
		Metadata: domain.NewOrderMetadata{RestaurantID: "rest-1", CustomerID: "cust-1"},
		Items:    []domain.OrderItem{{Name: "Burger", Price: 9.50}},
	}
}

func statusUpdate(orderID string, status domain.Status) domain.StatusUpdateEvent {
	return domain.StatusUpdateEvent{
		Header: domain.EventHeader{Token: goodToken},
		Metadata: domain.StatusUpdateMetadata{
			OrderID: orderID, RestaurantID: "rest-1", CustomerID: "cust-1", Status: status,
		},
	}
}

func TestOrderLifecycleScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")

	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.Equal(t, "order-1", order.OrderID)
	assert.Equal(t, domain.StatusSentToKitchen, order.Status)

	stored, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSentToKitchen, stored.Status)

	interests, err := f.sockets.InterestsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rest-1"}, interests)

	got := f.emitter.to("c2")
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventNewOrder, got[0].Event)
	var pushed domain.Order
	require.NoError(t, json.Unmarshal(got[0].Data, &pushed))
	assert.Equal(t, order.OrderID, pushed.OrderID)
	assert.Equal(t, domain.StatusSentToKitchen, pushed.Status)
	assert.Equal(t, []domain.OrderItem{{Name: "Burger", Price: 9.50}}, pushed.Items)
	assert.Empty(t, f.emitter.to("c1"))

	upd, err := f.router.UpdateStatus(ctx, c2, statusUpdate(order.OrderID, domain.StatusAccepted))
	require.NoError(t, err)
	want := domain.StatusUpdated{OrderID: order.OrderID, Status: domain.StatusAccepted, UserMsg: domain.MessageFor(domain.StatusAccepted)}
	assert.Equal(t, want, upd)

	stored, err = f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, stored.Status)

	for _, id := range []string{"c1", "c2"} {
		envs := f.emitter.to(id)
		last := envs[len(envs)-1]
		assert.Equal(t, domain.EventStatusUpdated, last.Event, id)
		var body domain.StatusUpdated
		require.NoError(t, json.Unmarshal(last.Data, &body))
		assert.Equal(t, want, body, id)
	}
	assert.Len(t, f.emitter.to("c2"), 2)
	assert.Len(t, f.emitter.to("c1"), 1)
	assert.Equal(t, 3, f.emitter.total())
}

func TestNewOrderFansOutToEveryRestaurantConnection(t *testing.T) {
	f := newFixture(t, true)
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "r1", domain.RestaurantConnection, "rest-1")
	f.connect(t, "r2", domain.RestaurantConnection, "rest-1")
	f.connect(t, "other", domain.RestaurantConnection, "rest-2")

	_, err := f.router.NewOrder(context.Background(), c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.Len(t, f.emitter.to("r1"), 1)
	assert.Len(t, f.emitter.to("r2"), 1)
	assert.Empty(t, f.emitter.to("other"))
}

func TestNewOrderWithBadTokenHasNoEffect(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "c2", domain.RestaurantConnection, "rest-1")

	_, err := f.router.NewOrder(ctx, c1, burgerOrder("expired"))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.orders.GetOrder(ctx, "order-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	interests, err := f.sockets.InterestsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, interests)
	assert.Zero(t, f.emitter.total())
}

func TestNewOrderWithoutLiveRestaurant(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")

	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.Zero(t, f.emitter.total())

	stored, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSentToKitchen, stored.Status)
}

func TestNewOrderKeepsGoingWhenInterestFails(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	// origin never registered, so the interest write fails
	ghost := domain.Connection{ID: "ghost", Role: domain.CustomerConnection, EntityID: "cust-1"}
	f.connect(t, "c2", domain.RestaurantConnection, "rest-1")

	order, err := f.router.NewOrder(ctx, ghost, burgerOrder(goodToken))
	require.NoError(t, err)
	_, err = f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Len(t, f.emitter.to("c2"), 1)
}

func TestNewOrderRejectsEmptyItems(t *testing.T) {
	f := newFixture(t, true)
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	ev := burgerOrder(goodToken)
	ev.Items = nil

	_, err := f.router.NewOrder(context.Background(), c1, ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Zero(t, f.emitter.total())
}

func TestNewOrderRecordsServerTime(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	serverNow := time.Date(2024, 3, 9, 18, 30, 15, 0, time.UTC)

	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.True(t, serverNow.Equal(order.Time.Time))
	assert.Nil(t, order.ClientTime)

	ev := burgerOrder(goodToken)
	ev.Metadata.Time = domain.OrderTime{Time: time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)}
	order, err = f.router.NewOrder(ctx, c1, ev)
	require.NoError(t, err)
	assert.True(t, serverNow.Equal(order.Time.Time))
	require.NotNil(t, order.ClientTime)
	assert.True(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Equal(order.ClientTime.Time))

	stored, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, serverNow.Equal(stored.Time.Time))
	require.NotNil(t, stored.ClientTime)
}

func TestNewOrderAbortsWhenVerifierTimesOut(t *testing.T) {
	f := newFixtureWith(t, blockingVerifier{}, nil, true, 50*time.Millisecond)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	timeouts := testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(domain.EventNewOrder, "timeout"))

	start := time.Now()
	_, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Less(t, time.Since(start), time.Second)

	_, err = f.orders.GetOrder(ctx, "order-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	interests, err := f.sockets.InterestsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, interests)
	assert.Zero(t, f.emitter.total())
	assert.Equal(t, timeouts+1, testutil.ToFloat64(metrics.EventsTotal.WithLabelValues(domain.EventNewOrder, "timeout")))
}

func TestStatusUpdateAbortsWhenVerifierTimesOut(t *testing.T) {
	f := newFixtureWith(t, blockingVerifier{}, nil, true, 50*time.Millisecond)
	ctx := context.Background()
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	require.NoError(t, f.orders.CreateOrder(ctx, domain.Order{
		OrderID: "order-1", RestaurantID: "rest-1", CustomerID: "cust-1", Status: domain.StatusSentToKitchen,
	}))

	_, err := f.router.UpdateStatus(ctx, c2, statusUpdate("order-1", domain.StatusAccepted))
	assert.ErrorIs(t, err, ErrTimeout)

	stored, err := f.orders.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSentToKitchen, stored.Status)
	assert.Zero(t, f.emitter.total())
}

func TestNewOrderAbortsWhenStoreTimesOut(t *testing.T) {
	stalled := func(m *repository.MemoryOrders) repository.OrderRepositoryInterface { return stalledOrders{m} }
	f := newFixtureWith(t, stubVerifier{}, stalled, true, 50*time.Millisecond)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "c2", domain.RestaurantConnection, "rest-1")

	start := time.Now()
	_, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Less(t, time.Since(start), time.Second)

	_, err = f.orders.GetOrder(ctx, "order-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, f.emitter.total())
}

func TestFanOutSkipsStalledEmit(t *testing.T) {
	f := newFixtureWith(t, stubVerifier{}, nil, true, 50*time.Millisecond)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "r1", domain.RestaurantConnection, "rest-1")
	f.connect(t, "r2", domain.RestaurantConnection, "rest-1")
	f.emitter.stall = map[string]bool{"r1": true}

	start := time.Now()
	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, f.emitter.to("r1"))
	assert.Len(t, f.emitter.to("r2"), 1)

	_, err = f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
}

func TestStatusUpdateForUnknownOrderEmitsNothing(t *testing.T) {
	f := newFixture(t, false)
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	f.connect(t, "c1", domain.CustomerConnection, "cust-1")

	_, err := f.router.UpdateStatus(context.Background(), c2, statusUpdate("nope", domain.StatusAccepted))
	assert.ErrorIs(t, err, ErrNotUpdated)
	assert.Zero(t, f.emitter.total())
}

func TestStatusUpdateWithBadTokenHasNoEffect(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	before := f.emitter.total()

	ev := statusUpdate(order.OrderID, domain.StatusAccepted)
	ev.Header.Token = "forged"
	_, err = f.router.UpdateStatus(ctx, c2, ev)
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := f.orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSentToKitchen, stored.Status)
	assert.Equal(t, before, f.emitter.total())
}

func TestStatusUpdateRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, false)
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")

	_, err := f.router.UpdateStatus(context.Background(), c2, statusUpdate("order-1", domain.Status("Teleported")))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestStatusUpdateIllegalTransition(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)
	before := f.emitter.total()

	_, err = f.router.UpdateStatus(ctx, c2, statusUpdate(order.OrderID, domain.StatusDelivered))
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, before, f.emitter.total())

	_, err = f.router.UpdateStatus(ctx, c2, statusUpdate(order.OrderID, domain.StatusSentToKitchen))
	assert.ErrorIs(t, err, ErrNotUpdated)
}

func TestStatusUpdateWithoutEnforcementAllowsAnyMove(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	c2 := f.connect(t, "c2", domain.RestaurantConnection, "rest-1")
	order, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)

	_, err = f.router.UpdateStatus(ctx, c2, statusUpdate(order.OrderID, domain.StatusDelivered))
	require.NoError(t, err)

	// same status again changes no row
	_, err = f.router.UpdateStatus(ctx, c2, statusUpdate(order.OrderID, domain.StatusDelivered))
	assert.ErrorIs(t, err, ErrNotUpdated)
}

func TestFanOutContinuesPastFailedSend(t *testing.T) {
	f := newFixture(t, true)
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	f.connect(t, "r1", domain.RestaurantConnection, "rest-1")
	f.connect(t, "r2", domain.RestaurantConnection, "rest-1")
	f.emitter.fail = map[string]bool{"r1": true}

	_, err := f.router.NewOrder(context.Background(), c1, burgerOrder(goodToken))
	require.NoError(t, err)
	assert.Len(t, f.emitter.to("r2"), 1)
}

func TestDisconnectCascadesInterests(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	c1 := f.connect(t, "c1", domain.CustomerConnection, "cust-1")
	_, err := f.router.NewOrder(ctx, c1, burgerOrder(goodToken))
	require.NoError(t, err)

	require.NoError(t, f.router.Disconnect(ctx, "c1"))
	ids, err := f.svc.Registry.InterestedConnectionsForCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "c1")
	interests, err := f.svc.Registry.InterestsOf(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, interests)

	// already clean
	assert.NoError(t, f.router.Disconnect(ctx, "c1"))
}
