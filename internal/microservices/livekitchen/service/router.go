package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"live-kitchen/internal/auth"
	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
)

type RouterInterface interface {
	Connect(ctx context.Context, c domain.Connection) error
	Disconnect(ctx context.Context, connectionID string) error
	NewOrder(ctx context.Context, origin domain.Connection, ev domain.NewOrderEvent) (domain.Order, error)
	UpdateStatus(ctx context.Context, origin domain.Connection, ev domain.StatusUpdateEvent) (domain.StatusUpdated, error)
}

// Router mediates inbound events between the registry, the order store and
// the emitter. It holds no per-connection state.
type Router struct {
	registry RegistryServiceInterface
	orders   OrderServiceInterface
	verifier auth.Verifier
	emitter  Emitter
	timeout  time.Duration
	log      *logger.Logger

	now   func() time.Time
	newID func() string
}

func NewRouter(registry RegistryServiceInterface, orders OrderServiceInterface, verifier auth.Verifier, emitter Emitter, callTimeout time.Duration) *Router {
	return &Router{
		registry: registry,
		orders:   orders,
		verifier: verifier,
		emitter:  emitter,
		timeout:  callTimeout,
		log:      logger.New("router"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// bounded derives the context for one collaborator call.
func (r *Router) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Router) Connect(ctx context.Context, c domain.Connection) error {
	cctx, cancel := r.bounded(ctx)
	defer cancel()
	return r.registry.Register(cctx, c)
}

func (r *Router) Disconnect(ctx context.Context, connectionID string) error {
	cctx, cancel := r.bounded(ctx)
	defer cancel()
	err := r.registry.Unregister(cctx, connectionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Router) verify(ctx context.Context, token string) (auth.Identity, error) {
	cctx, cancel := r.bounded(ctx)
	defer cancel()
	id, err := r.verifier.Verify(cctx, token)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return auth.Identity{}, fmt.Errorf("%w: verify: %v", ErrTimeout, err)
	case err != nil:
		return auth.Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return id, nil
}

// rejected records a failed verification and returns the log action for it.
func (r *Router) rejected(event string, err error) string {
	if errors.Is(err, ErrTimeout) {
		r.outcome(event, "timeout")
		return "rejected_timeout"
	}
	r.outcome(event, "unauthorized")
	return "rejected_unauthorized"
}

func (r *Router) NewOrder(ctx context.Context, origin domain.Connection, ev domain.NewOrderEvent) (domain.Order, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventDuration.WithLabelValues(domain.EventNewOrder))
	lg := r.log.With(map[string]any{"event": domain.EventNewOrder, "connection_id": origin.ID})

	// 1. server side id and placement time; the client's clock is kept apart
	order := domain.Order{
		OrderID:      r.newID(),
		RestaurantID: strings.TrimSpace(ev.Metadata.RestaurantID),
		CustomerID:   strings.TrimSpace(ev.Metadata.CustomerID),
		Time:         domain.NewOrderTime(r.now()),
		Status:       domain.StatusSentToKitchen,
		Items:        ev.Items,
	}
	if !ev.Metadata.Time.IsZero() {
		ct := domain.NewOrderTime(ev.Metadata.Time.Time)
		order.ClientTime = &ct
	}
	lg = lg.With(map[string]any{"order_id": order.OrderID})

	// 2. auth before any effect
	if _, err := r.verify(ctx, ev.Header.Token); err != nil {
		lg.Warn("order_"+r.rejected(domain.EventNewOrder, err), map[string]any{"error": err.Error()})
		return domain.Order{}, err
	}
	if order.RestaurantID == "" || order.CustomerID == "" || len(order.Items) == 0 {
		r.outcome(domain.EventNewOrder, "invalid")
		lg.Warn("order_rejected_invalid", nil)
		return domain.Order{}, fmt.Errorf("%w: new-order needs restaurantId, customerId and items", ErrInvalidEvent)
	}

	// 3. interest, best effort
	func() {
		cctx, cancel := r.bounded(ctx)
		defer cancel()
		if err := r.registry.RecordInterest(cctx, origin.ID, order.RestaurantID); err != nil {
			lg.Warn("interest_not_recorded", map[string]any{"restaurant_id": order.RestaurantID, "error": err.Error()})
		}
	}()

	// 4. persist
	cctx, cancel := r.bounded(ctx)
	saved, err := r.orders.CreateOrder(cctx, order)
	cancel()
	if err != nil {
		r.outcome(domain.EventNewOrder, "persistence_failed")
		lg.Error("order_persist_failed", err, nil)
		return domain.Order{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// 5-7. fan out to the restaurant
	env, err := domain.NewEnvelope(domain.EventNewOrder, saved)
	if err != nil {
		r.outcome(domain.EventNewOrder, "encode_failed")
		lg.Error("order_encode_failed", err, nil)
		return saved, nil
	}
	targets, err := r.resolve(ctx, func(c context.Context) ([]string, error) {
		return r.registry.ConnectionsFor(c, domain.RestaurantConnection, saved.RestaurantID)
	})
	if err != nil {
		r.outcome(domain.EventNewOrder, "unrouted")
		lg.Error("order_unrouted", err, map[string]any{"restaurant_id": saved.RestaurantID})
		return saved, nil
	}
	sent := r.fanOut(ctx, lg, env, targets, map[string]bool{origin.ID: true})
	if sent == 0 {
		lg.Info("order_undelivered", map[string]any{"restaurant_id": saved.RestaurantID})
	}
	r.outcome(domain.EventNewOrder, "ok")
	return saved, nil
}

func (r *Router) UpdateStatus(ctx context.Context, origin domain.Connection, ev domain.StatusUpdateEvent) (domain.StatusUpdated, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EventDuration.WithLabelValues(domain.EventStatusUpdate))
	md := ev.Metadata
	lg := r.log.With(map[string]any{
		"event": domain.EventStatusUpdate, "connection_id": origin.ID, "order_id": md.OrderID, "status": string(md.Status),
	})

	// 1. auth
	identity, err := r.verify(ctx, ev.Header.Token)
	if err != nil {
		lg.Warn("status_"+r.rejected(domain.EventStatusUpdate, err), map[string]any{"error": err.Error()})
		return domain.StatusUpdated{}, err
	}
	if md.OrderID == "" || !md.Status.Valid() {
		r.outcome(domain.EventStatusUpdate, "invalid")
		lg.Warn("status_rejected_invalid", nil)
		return domain.StatusUpdated{}, fmt.Errorf("%w: status-update needs orderId and a known status", ErrInvalidEvent)
	}

	// 2. persist; nothing is emitted unless a row changed
	changedBy := identity.UserID
	if changedBy == "" {
		changedBy = origin.EntityID
	}
	cctx, cancel := r.bounded(ctx)
	n, err := r.orders.UpdateStatus(cctx, md.OrderID, md.Status, changedBy)
	cancel()
	switch {
	case errors.Is(err, ErrIllegalTransition):
		r.outcome(domain.EventStatusUpdate, "illegal_transition")
		lg.Warn("status_rejected_illegal", map[string]any{"error": err.Error()})
		return domain.StatusUpdated{}, err
	case err != nil:
		r.outcome(domain.EventStatusUpdate, "persistence_failed")
		lg.Error("status_update_failed", err, nil)
		return domain.StatusUpdated{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	case n == 0:
		r.outcome(domain.EventStatusUpdate, "not_updated")
		lg.Warn("status_not_updated", nil)
		return domain.StatusUpdated{}, fmt.Errorf("%w: %s", ErrNotUpdated, md.OrderID)
	}

	update := domain.StatusUpdated{OrderID: md.OrderID, Status: md.Status, UserMsg: r.orders.MessageFor(md.Status)}
	env, err := domain.NewEnvelope(domain.EventStatusUpdated, update)
	if err != nil {
		r.outcome(domain.EventStatusUpdate, "encode_failed")
		lg.Error("status_encode_failed", err, nil)
		return update, nil
	}

	// 3. ack to the originator
	r.fanOut(ctx, lg, env, []string{origin.ID}, nil)
	skip := map[string]bool{origin.ID: true}

	// 4. restaurant fan-out
	restaurant, err := r.resolve(ctx, func(c context.Context) ([]string, error) {
		return r.registry.ConnectionsFor(c, domain.RestaurantConnection, md.RestaurantID)
	})
	if err != nil {
		lg.Error("restaurant_unresolved", err, map[string]any{"restaurant_id": md.RestaurantID})
	} else if r.fanOut(ctx, lg, env, restaurant, skip) == 0 {
		lg.Info("restaurant_undelivered", map[string]any{"restaurant_id": md.RestaurantID})
	}

	// 5. customer fan-out
	customer, err := r.resolve(ctx, func(c context.Context) ([]string, error) {
		return r.registry.InterestedConnectionsForCustomer(c, md.CustomerID)
	})
	if err != nil {
		lg.Error("customer_unresolved", err, map[string]any{"customer_id": md.CustomerID})
	} else if r.fanOut(ctx, lg, env, customer, skip) == 0 {
		lg.Info("customer_undelivered", map[string]any{"customer_id": md.CustomerID})
	}

	r.outcome(domain.EventStatusUpdate, "ok")
	return update, nil
}

func (r *Router) resolve(ctx context.Context, fn func(context.Context) ([]string, error)) ([]string, error) {
	cctx, cancel := r.bounded(ctx)
	defer cancel()
	return fn(cctx)
}

// fanOut emits env to every target not in skip and returns how many sends
// were accepted. Sent ids are added to skip. Each send is independent; a
// failure is logged and the rest continue.
func (r *Router) fanOut(ctx context.Context, lg *logger.Logger, env domain.Envelope, targets []string, skip map[string]bool) int {
	sent := 0
	for _, id := range targets {
		if skip[id] {
			continue
		}
		if skip != nil {
			skip[id] = true
		}
		cctx, cancel := r.bounded(ctx)
		err := r.emitter.Emit(cctx, id, env)
		cancel()
		if err != nil {
			lg.Warn("emit_failed", map[string]any{"target": id, "error": err.Error()})
			continue
		}
		sent++
	}
	return sent
}

func (r *Router) outcome(event, outcome string) {
	metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
}
