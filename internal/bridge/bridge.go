// Package bridge fans discovery and escrow-bridging requests out to
// per-network adapters. The coordinator never assumes a bridge protocol;
// every network sits behind the same Adapter interface and an unreachable
// network degrades that network's slice of the result instead of failing
// the whole call.
package bridge

import (
	xerrors "AgentMesh/internal/errors"
)

// Advert is a remote agent advertisement returned by discovery.
type Advert struct {
	AgentID      string   `json:"agent_id" yaml:"agent_id"`
	Name         string   `json:"name" yaml:"name"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Reputation   float64  `json:"reputation" yaml:"reputation"`
	Network      string   `json:"network" yaml:"-"`
}

// NetworkResult is one network's slice of a discovery call.
type NetworkResult struct {
	Adverts     []Advert `json:"adverts,omitempty"`
	Unavailable bool     `json:"unavailable"`
	Error       string   `json:"error,omitempty"`
}

// PartialResult aggregates discovery across networks. It is always
// returned, annotated per network.
type PartialResult struct {
	PerNetwork map[string]NetworkResult `json:"per_network"`
}

// RouteState tracks a bridged route's activation progress.
type RouteState string

const (
	RouteIdle       RouteState = "idle"
	RouteInitiating RouteState = "initiating"
	RouteConfirmed  RouteState = "confirmed"
	RouteActive     RouteState = "active"
	RouteFailed     RouteState = "failed"
	RouteClosed     RouteState = "closed"
)

// Route is a cross-network connection being established for escrow
// bridging. Cancellation is honoured only while Initiating; once
// Confirmed the route always runs to Active or Failed.
type Route struct {
	ID            string     `json:"id"`
	TargetNetwork string     `json:"target_network"`
	EscrowID      string     `json:"escrow_id,omitempty"`
	State         RouteState `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	SubmitRef     string     `json:"submit_ref,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
}

var (
	// ErrBridgeUnavailable marks a network that timed out or refused the
	// connection. Transient: discovery degrades, activation retries.
	ErrBridgeUnavailable = xerrors.New(CodeBridgeUnavailable, "network adapter unavailable")
	// ErrRouteState rejects an operation the route's current state does
	// not allow, such as cancelling past Initiating.
	ErrRouteState = xerrors.New(CodeRouteState, "invalid route state")
	// ErrUnknownNetwork rejects a network name with no registered adapter.
	ErrUnknownNetwork = xerrors.New(CodeUnknownNetwork, "unknown network")
)

const (
	CodeBridgeUnavailable xerrors.Code = "BRIDGE_UNAVAILABLE"
	CodeRouteState        xerrors.Code = "ROUTE_STATE"
	CodeUnknownNetwork    xerrors.Code = "UNKNOWN_NETWORK"
)

func init() {
	xerrors.Register(CodeBridgeUnavailable, xerrors.Attributes{
		Message:   "network adapter unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRouteState, xerrors.Attributes{
		Message:   "invalid route state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownNetwork, xerrors.Attributes{
		Message:   "unknown network",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
