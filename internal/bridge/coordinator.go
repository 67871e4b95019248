package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/pkg/logger"
)

// Config tunes discovery fan-out and route activation.
type Config struct {
	// DiscoverTimeout bounds each network's discovery call.
	DiscoverTimeout time.Duration
	// FanoutLimit caps concurrent per-network calls.
	FanoutLimit int
	// ActivateAttempts bounds activation retries per step.
	ActivateAttempts int
}

// Coordinator drives multi-network discovery and route activation on top
// of the adapter registry.
type Coordinator struct {
	registry *Registry
	recorder *events.Recorder
	cfg      Config

	mu     sync.Mutex
	routes map[string]*Route
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(registry *Registry, recorder *events.Recorder, cfg Config) *Coordinator {
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 10 * time.Second
	}
	if cfg.FanoutLimit <= 0 {
		cfg.FanoutLimit = 4
	}
	if cfg.ActivateAttempts <= 0 {
		cfg.ActivateAttempts = 3
	}
	return &Coordinator{
		registry: registry,
		recorder: recorder,
		cfg:      cfg,
		routes:   make(map[string]*Route),
	}
}

// Discover fans discovery out to one adapter per requested network with
// bounded concurrency. A network that times out or errors is marked
// Unavailable in its slice of the result; the aggregate is always
// returned.
func (c *Coordinator) Discover(ctx context.Context, capabilities []string, targetNetworks []string) (*PartialResult, error) {
	if len(targetNetworks) == 0 {
		targetNetworks = c.registry.Networks()
	}
	result := &PartialResult{PerNetwork: make(map[string]NetworkResult, len(targetNetworks))}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.FanoutLimit)
	for _, network := range targetNetworks {
		network := network
		group.Go(func() error {
			res := c.discoverOne(groupCtx, network, capabilities)
			mu.Lock()
			result.PerNetwork[network] = res
			mu.Unlock()
			// Per-network failures degrade the slice, never the call.
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Coordinator) discoverOne(ctx context.Context, network string, capabilities []string) NetworkResult {
	adapter, err := c.registry.Adapter(network)
	if err != nil {
		return NetworkResult{Unavailable: true, Error: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.DiscoverTimeout)
	defer cancel()

	adverts, err := adapter.Query(callCtx, capabilities)
	if err != nil {
		wrapped := xerrors.Wrap(CodeBridgeUnavailable, err, "网络发现调用失败",
			xerrors.WithMetadata("network", network))
		logger.L().Warn("network discovery degraded",
			slog.String("network", network),
			slog.Any("error", err),
		)
		return NetworkResult{Unavailable: true, Error: wrapped.Error()}
	}
	for i := range adverts {
		adverts[i].Network = network
	}
	return NetworkResult{Adverts: adverts}
}

// OpenRoute registers a new idle route toward a target network.
func (c *Coordinator) OpenRoute(targetNetwork, escrowID string) (*Route, error) {
	if _, err := c.registry.Adapter(targetNetwork); err != nil {
		return nil, err
	}
	route := &Route{
		ID:            uuid.NewString(),
		TargetNetwork: targetNetwork,
		EscrowID:      escrowID,
		State:         RouteIdle,
		CreatedAt:     time.Now().Unix(),
		UpdatedAt:     time.Now().Unix(),
	}
	c.mu.Lock()
	c.routes[route.ID] = route
	c.mu.Unlock()
	c.record(context.Background(), route, "opened", nil)
	return cloneRoute(route), nil
}

// Route returns a route snapshot.
func (c *Coordinator) Route(routeID string) (*Route, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, ok := c.routes[routeID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "路由不存在")
	}
	return cloneRoute(route), nil
}

// ActivateRoute drives Idle→Initiating→Confirmed→Active with a bounded
// attempt count per step. Failure at any step moves the route to Failed
// and returns; the caller decides whether to retry the whole activation.
func (c *Coordinator) ActivateRoute(ctx context.Context, routeID string, payload []byte) (RouteState, error) {
	c.mu.Lock()
	route, ok := c.routes[routeID]
	if !ok {
		c.mu.Unlock()
		return "", xerrors.New(xerrors.CodeNotFound, "路由不存在")
	}
	if route.State != RouteIdle && route.State != RouteFailed {
		state := route.State
		c.mu.Unlock()
		return state, xerrors.Wrap(CodeRouteState, nil, "路由不在可激活状态",
			xerrors.WithMetadata("state", string(state)))
	}
	c.setState(ctx, route, RouteInitiating, nil)
	c.mu.Unlock()

	adapter, err := c.registry.Adapter(route.TargetNetwork)
	if err != nil {
		return c.fail(ctx, route, err)
	}

	if err := c.step(ctx, route, func(ctx context.Context) error {
		return adapter.Connect(ctx)
	}); err != nil {
		return c.fail(ctx, route, err)
	}

	// Past this point cancellation is no longer honoured.
	c.mu.Lock()
	if route.State == RouteClosed {
		c.mu.Unlock()
		return RouteClosed, nil
	}
	c.setState(ctx, route, RouteConfirmed, nil)
	c.mu.Unlock()

	var ref string
	if err := c.step(ctx, route, func(ctx context.Context) error {
		var submitErr error
		ref, submitErr = adapter.Submit(ctx, payload)
		return submitErr
	}); err != nil {
		return c.fail(ctx, route, err)
	}

	c.mu.Lock()
	route.SubmitRef = ref
	c.setState(ctx, route, RouteActive, map[string]any{"submit_ref": ref})
	c.mu.Unlock()
	logger.L().Info("route activated",
		slog.String("route_id", route.ID),
		slog.String("network", route.TargetNetwork),
	)
	return RouteActive, nil
}

// CancelRoute cancels an activation, honoured only while the route is
// still Initiating. Once Confirmed the route runs to completion.
func (c *Coordinator) CancelRoute(ctx context.Context, routeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, ok := c.routes[routeID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "路由不存在")
	}
	if route.State != RouteInitiating {
		return xerrors.Wrap(CodeRouteState, nil, "仅允许在 initiating 阶段取消",
			xerrors.WithMetadata("state", string(route.State)))
	}
	c.setState(ctx, route, RouteClosed, nil)
	return nil
}

// step retries one activation step up to the configured attempt count.
func (c *Coordinator) step(ctx context.Context, route *Route, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ActivateAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		if route.State == RouteClosed {
			c.mu.Unlock()
			return nil
		}
		route.Attempts++
		c.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.DiscoverTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return xerrors.Wrap(CodeBridgeUnavailable, lastErr, "路由激活步骤重试耗尽",
		xerrors.WithMetadata("route_id", route.ID))
}

func (c *Coordinator) fail(ctx context.Context, route *Route, err error) (RouteState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if route.State == RouteClosed {
		return RouteClosed, nil
	}
	route.LastError = err.Error()
	c.setState(ctx, route, RouteFailed, map[string]any{"error": err.Error()})
	return RouteFailed, err
}

// setState mutates the route and records the transition. Callers must
// hold c.mu.
func (c *Coordinator) setState(ctx context.Context, route *Route, state RouteState, payload map[string]any) {
	route.State = state
	route.UpdatedAt = time.Now().Unix()
	c.record(ctx, route, string(state), payload)
}

func (c *Coordinator) record(ctx context.Context, route *Route, kind string, payload any) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, events.EntityRoute, route.ID, kind, payload, route); err != nil {
		logger.L().Error("路由事件落盘失败",
			slog.Any("error", err),
			slog.String("route_id", route.ID),
		)
	}
}

func cloneRoute(route *Route) *Route {
	clone := *route
	return &clone
}
