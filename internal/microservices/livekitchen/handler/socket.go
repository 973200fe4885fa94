package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"live-kitchen/internal/common/logger"
	"live-kitchen/internal/common/metrics"
	"live-kitchen/internal/domain"
	"live-kitchen/internal/microservices/livekitchen/repository"
	"live-kitchen/internal/microservices/livekitchen/service"
)

type GatewayConfig struct {
	InstanceID       string
	MaxMessageBytes  int64
	SendBuffer       int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	AllowedOrigins   []string
	RegisterAttempts int
	RegisterBackoff  time.Duration
}

// Gateway upgrades /ws requests and runs one read loop and one write loop per
// connection.
type Gateway struct {
	router   service.RouterInterface
	hub      *Hub
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	log      *logger.Logger
	wg       sync.WaitGroup
	newID    func() string
}

func NewGateway(router service.RouterInterface, hub *Hub, cfg GatewayConfig) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = 1
	}
	g := &Gateway{
		router: router,
		hub:    hub,
		cfg:    cfg,
		log:    logger.New("gateway").With(map[string]any{"instance_id": cfg.InstanceID}),
		newID:  uuid.NewString,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// no allow list means any origin
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

type client struct {
	conn       *websocket.Conn
	info       domain.Connection
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	registered atomic.Bool
}

func (c *client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role, entityID, err := domain.Classify(q.Get("restaurantId"), q.Get("customerId"))
	if err != nil {
		g.log.Warn("handshake_rejected", map[string]any{"remote_addr": r.RemoteAddr, "error": err.Error()})
		writeProblem(w, http.StatusBadRequest, "unclassified_connection", err.Error())
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Error("upgrade_failed", err, map[string]any{"remote_addr": r.RemoteAddr})
		return
	}

	c := &client{
		conn: conn,
		info: domain.Connection{
			ID:          g.newID(),
			Role:        role,
			EntityID:    entityID,
			InstanceID:  g.cfg.InstanceID,
			ConnectedAt: time.Now().UTC(),
		},
		send: make(chan []byte, g.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	lg := g.log.With(map[string]any{"connection_id": c.info.ID, "role": string(role), "entity_id": entityID})

	g.wg.Add(1)
	defer g.wg.Done()

	// detached from the request so teardown can still reach the registry
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	g.hub.add(c)
	metrics.ConnectionsLive.WithLabelValues(string(role)).Inc()
	lg.Info("connection_opened", map[string]any{"remote_addr": r.RemoteAddr})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(c, lg)
	}()

	g.register(ctx, c, lg)
	g.readLoop(ctx, c, lg)

	// teardown
	c.close()
	<-writerDone
	g.hub.remove(c.info.ID)
	metrics.ConnectionsLive.WithLabelValues(string(role)).Dec()
	if c.registered.Load() {
		if err := g.router.Disconnect(ctx, c.info.ID); err != nil {
			lg.Error("unregister_failed", err, nil)
		}
	}
	lg.Info("connection_closed", nil)
}

// register records the connection, retrying with a linear backoff. When every
// attempt fails the owner gets an error frame and the link stays open.
func (g *Gateway) register(ctx context.Context, c *client, lg *logger.Logger) {
	var err error
	for attempt := 1; attempt <= g.cfg.RegisterAttempts; attempt++ {
		if err = g.router.Connect(ctx, c.info); err == nil {
			c.registered.Store(true)
			return
		}
		if errors.Is(err, repository.ErrDuplicateConnection) || errors.Is(err, service.ErrInvalidEvent) {
			break
		}
		lg.Warn("register_retry", map[string]any{"attempt": attempt, "error": err.Error()})
		if attempt == g.cfg.RegisterAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(g.cfg.RegisterBackoff * time.Duration(attempt)):
		}
	}
	lg.Error("register_failed", err, nil)
	g.sendError(c, "registration_failed", "connection could not be registered; live updates may not reach you")
}

func (g *Gateway) sendError(c *client, code, message string) {
	env, err := domain.NewEnvelope(domain.EventError, domain.ErrorEvent{Code: code, Message: message})
	if err != nil {
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (g *Gateway) readLoop(ctx context.Context, c *client, lg *logger.Logger) {
	pongWait := 2 * g.cfg.PingInterval
	if g.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(g.cfg.MaxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lg.Warn("read_failed", map[string]any{"error": err.Error()})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.dispatch(ctx, c, msg, lg)
	}
}

// dispatch hands one inbound frame to the router. Router errors are already
// logged and never end the connection.
func (g *Gateway) dispatch(ctx context.Context, c *client, msg []byte, lg *logger.Logger) {
	var env domain.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		lg.Warn("invalid_frame", map[string]any{"error": err.Error()})
		g.sendError(c, "invalid_frame", "frame is not a JSON envelope")
		return
	}

	switch env.Event {
	case domain.EventNewOrder:
		var ev domain.NewOrderEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			lg.Warn("invalid_payload", map[string]any{"event": env.Event, "error": err.Error()})
			g.sendError(c, "invalid_payload", err.Error())
			return
		}
		_, _ = g.router.NewOrder(ctx, c.info, ev)
	case domain.EventStatusUpdate:
		var ev domain.StatusUpdateEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			lg.Warn("invalid_payload", map[string]any{"event": env.Event, "error": err.Error()})
			g.sendError(c, "invalid_payload", err.Error())
			return
		}
		_, _ = g.router.UpdateStatus(ctx, c.info, ev)
	default:
		lg.Warn("unknown_event", map[string]any{"event": env.Event})
		metrics.EventsTotal.WithLabelValues("unknown", "ignored").Inc()
	}
}

func (g *Gateway) writeLoop(c *client, lg *logger.Logger) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(g.cfg.WriteTimeout))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				lg.Warn("write_failed", map[string]any{"error": err.Error()})
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// CloseAll closes every connection. Registered as the server's shutdown hook.
func (g *Gateway) CloseAll() {
	g.hub.closeAll()
}

// Wait blocks until every connection finished its teardown or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
