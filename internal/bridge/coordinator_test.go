package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentMesh/internal/errors"
)

func TestDiscoverDegradesSlowNetworks(t *testing.T) {
	registry := NewStaticRegistry(
		&MemoryAdapter{
			NetworkName: "fast",
			Adverts: []Advert{
				{AgentID: "a1", Name: "translator", Capabilities: []string{"translate"}},
			},
		},
		&MemoryAdapter{
			NetworkName: "slow",
			Delay:       200 * time.Millisecond,
			Adverts: []Advert{
				{AgentID: "a2", Name: "translator", Capabilities: []string{"translate"}},
			},
		},
	)
	c := NewCoordinator(registry, nil, Config{DiscoverTimeout: 20 * time.Millisecond})

	result, err := c.Discover(context.Background(), []string{"translate"}, []string{"fast", "slow"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(result.PerNetwork) != 2 {
		t.Fatalf("aggregate must cover every requested network: %+v", result.PerNetwork)
	}

	fast := result.PerNetwork["fast"]
	if fast.Unavailable || len(fast.Adverts) != 1 {
		t.Fatalf("fast network should answer: %+v", fast)
	}
	if fast.Adverts[0].Network != "fast" {
		t.Fatalf("advert not annotated with its network: %+v", fast.Adverts[0])
	}

	slow := result.PerNetwork["slow"]
	if !slow.Unavailable {
		t.Fatalf("slow network should be marked unavailable: %+v", slow)
	}
}

func TestDiscoverFiltersByCapability(t *testing.T) {
	registry := NewStaticRegistry(&MemoryAdapter{
		NetworkName: "net",
		Adverts: []Advert{
			{AgentID: "a1", Capabilities: []string{"translate", "summarize"}},
			{AgentID: "a2", Capabilities: []string{"index"}},
		},
	})
	c := NewCoordinator(registry, nil, Config{})

	result, err := c.Discover(context.Background(), []string{"translate"}, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	adverts := result.PerNetwork["net"].Adverts
	if len(adverts) != 1 || adverts[0].AgentID != "a1" {
		t.Fatalf("capability filter wrong: %+v", adverts)
	}
}

func TestActivateRouteReachesActive(t *testing.T) {
	registry := NewStaticRegistry(&MemoryAdapter{NetworkName: "net"})
	c := NewCoordinator(registry, nil, Config{})

	route, err := c.OpenRoute("net", "escrow-1")
	if err != nil {
		t.Fatalf("open route: %v", err)
	}
	if route.State != RouteIdle {
		t.Fatalf("expected idle, got %s", route.State)
	}

	state, err := c.ActivateRoute(context.Background(), route.ID, []byte("payload"))
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if state != RouteActive {
		t.Fatalf("expected active, got %s", state)
	}
	current, _ := c.Route(route.ID)
	if current.SubmitRef == "" {
		t.Fatalf("active route should carry a submit reference")
	}
}

func TestActivateRouteBoundedAttempts(t *testing.T) {
	failing := &MemoryAdapter{NetworkName: "net", Err: errors.New("connection refused")}
	registry := NewStaticRegistry(failing)
	c := NewCoordinator(registry, nil, Config{ActivateAttempts: 3})

	route, err := c.OpenRoute("net", "")
	if err != nil {
		t.Fatalf("open route: %v", err)
	}
	state, err := c.ActivateRoute(context.Background(), route.ID, nil)
	if xerrors.CodeOf(err) != CodeBridgeUnavailable {
		t.Fatalf("expected bridge unavailable, got %v", err)
	}
	if state != RouteFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	current, _ := c.Route(route.ID)
	if current.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", current.Attempts)
	}

	// Failed 路由允许再次激活。
	failing.Err = nil
	state, err = c.ActivateRoute(context.Background(), route.ID, nil)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if state != RouteActive {
		t.Fatalf("expected active after retry, got %s", state)
	}
}

func TestCancelOnlyWhileInitiating(t *testing.T) {
	registry := NewStaticRegistry(&MemoryAdapter{NetworkName: "net"})
	c := NewCoordinator(registry, nil, Config{})

	route, err := c.OpenRoute("net", "")
	if err != nil {
		t.Fatalf("open route: %v", err)
	}

	// Idle 阶段不可取消。
	if err := c.CancelRoute(context.Background(), route.ID); xerrors.CodeOf(err) != CodeRouteState {
		t.Fatalf("expected route state error, got %v", err)
	}

	if _, err := c.ActivateRoute(context.Background(), route.ID, nil); err != nil {
		t.Fatalf("activate: %v", err)
	}
	// Active 之后同样不可取消。
	if err := c.CancelRoute(context.Background(), route.ID); xerrors.CodeOf(err) != CodeRouteState {
		t.Fatalf("expected route state error after activation, got %v", err)
	}
}

func TestDiscoverUnknownNetwork(t *testing.T) {
	c := NewCoordinator(NewStaticRegistry(), nil, Config{})
	result, err := c.Discover(context.Background(), nil, []string{"ghost"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !result.PerNetwork["ghost"].Unavailable {
		t.Fatalf("unknown network should be unavailable: %+v", result.PerNetwork["ghost"])
	}
}
