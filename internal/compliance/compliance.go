// Package compliance implements the jurisdictional policy gate consulted by
// every mutating operation. Frameworks form a closed enum and every rule set
// matches them exhaustively, so an unknown framework is a compile-time
// impossibility rather than a silently ignored flag.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/events"
	"AgentMesh/pkg/logger"
)

// Framework identifies a regulatory framework flag.
type Framework string

const (
	FrameworkKYC         Framework = "kyc"
	FrameworkAML         Framework = "aml"
	FrameworkSanctions   Framework = "sanctions"
	FrameworkDataPrivacy Framework = "data_privacy"
	FrameworkSecurities  Framework = "securities"
)

// Jurisdiction tags the regulatory region an operation or counterpart
// belongs to.
type Jurisdiction string

const (
	JurisdictionUS      Jurisdiction = "us"
	JurisdictionEU      Jurisdiction = "eu"
	JurisdictionUK      Jurisdiction = "uk"
	JurisdictionSG      Jurisdiction = "sg"
	JurisdictionUnknown Jurisdiction = "unknown"
)

// NormalizeJurisdiction maps free-form input onto the closed tag set.
func NormalizeJurisdiction(raw string) Jurisdiction {
	switch Jurisdiction(strings.ToLower(strings.TrimSpace(raw))) {
	case JurisdictionUS:
		return JurisdictionUS
	case JurisdictionEU:
		return JurisdictionEU
	case JurisdictionUK:
		return JurisdictionUK
	case JurisdictionSG:
		return JurisdictionSG
	default:
		return JurisdictionUnknown
	}
}

// Operation carries the parameters of a mutating call under evaluation.
type Operation struct {
	Name         string            `json:"name"`
	AgentID      string            `json:"agent_id,omitempty"`
	Amount       int64             `json:"amount,omitempty"`
	Jurisdiction Jurisdiction      `json:"jurisdiction"`
	Counterpart  Jurisdiction      `json:"counterpart,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Violation names a specific failed rule.
type Violation struct {
	Rule      string    `json:"rule"`
	Framework Framework `json:"framework"`
	Detail    string    `json:"detail"`
}

// Result is the outcome of evaluating one operation.
type Result struct {
	Score       float64     `json:"score"`
	Violations  []Violation `json:"violations,omitempty"`
	EvaluatedAt int64       `json:"evaluated_at"`
}

// Profile captures the policy context attached to an operation: the
// jurisdiction, its active framework flags and the latest evaluation.
// It is persisted as an audit record only when a violation occurred.
type Profile struct {
	Jurisdiction Jurisdiction `json:"jurisdiction"`
	Frameworks   []Framework  `json:"frameworks"`
	Score        float64      `json:"score"`
	Violations   []Violation  `json:"violations,omitempty"`
}

// ErrComplianceViolation blocks an operation whose score fell below the
// configured threshold. The violated rules travel in the error metadata.
var ErrComplianceViolation = xerrors.New(CodeComplianceViolation, "compliance policy violation")

// CodeComplianceViolation is the unified error code for blocked operations.
const CodeComplianceViolation xerrors.Code = "COMPLIANCE_VIOLATION"

func init() {
	xerrors.Register(CodeComplianceViolation, xerrors.Attributes{
		Message:   "operation blocked by compliance policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Gate is the narrow interface mutating services consult before acting.
type Gate interface {
	Check(ctx context.Context, op Operation) error
}

// Config tunes the engine.
type Config struct {
	Threshold        float64
	HomeJurisdiction Jurisdiction
	LargeAmountLimit int64
}

// Engine evaluates operations against per-jurisdiction rule sets.
type Engine struct {
	threshold float64
	home      Jurisdiction
	largeAmt  int64
	rules     map[Jurisdiction][]rule
	recorder  *events.Recorder
}

type rule struct {
	id        string
	framework Framework
	weight    float64
	check     func(e *Engine, op Operation) *Violation
}

// frameworksFor lists the active framework flags per jurisdiction. The
// mapping is static policy, not configuration.
func frameworksFor(j Jurisdiction) []Framework {
	switch j {
	case JurisdictionUS:
		return []Framework{FrameworkKYC, FrameworkAML, FrameworkSanctions, FrameworkSecurities}
	case JurisdictionEU:
		return []Framework{FrameworkKYC, FrameworkAML, FrameworkSanctions, FrameworkDataPrivacy}
	case JurisdictionUK:
		return []Framework{FrameworkKYC, FrameworkAML, FrameworkSanctions}
	case JurisdictionSG:
		return []Framework{FrameworkKYC, FrameworkAML}
	case JurisdictionUnknown:
		return []Framework{FrameworkSanctions}
	default:
		return []Framework{FrameworkSanctions}
	}
}

// ruleFor builds the concrete rule for a framework flag. The switch is
// exhaustive over the closed Framework enum.
func ruleFor(f Framework) rule {
	switch f {
	case FrameworkKYC:
		return rule{
			id:        "kyc.identity_present",
			framework: f,
			weight:    1.0,
			check: func(_ *Engine, op Operation) *Violation {
				if op.AgentID == "" && op.Metadata["owner"] == "" {
					return &Violation{
						Rule:      "kyc.identity_present",
						Framework: f,
						Detail:    "operation carries no verifiable identity",
					}
				}
				return nil
			},
		}
	case FrameworkAML:
		return rule{
			id:        "aml.large_movement_cleared",
			framework: f,
			weight:    1.5,
			check: func(e *Engine, op Operation) *Violation {
				if op.Amount > e.largeAmt && op.Metadata["aml_cleared"] != "true" {
					return &Violation{
						Rule:      "aml.large_movement_cleared",
						Framework: f,
						Detail:    fmt.Sprintf("fund movement %d exceeds limit %d without clearance", op.Amount, e.largeAmt),
					}
				}
				return nil
			},
		}
	case FrameworkSanctions:
		return rule{
			id:        "sanctions.counterpart_screened",
			framework: f,
			weight:    2.0,
			check: func(_ *Engine, op Operation) *Violation {
				if op.Metadata["sanctioned_counterpart"] == "true" {
					return &Violation{
						Rule:      "sanctions.counterpart_screened",
						Framework: f,
						Detail:    "counterpart appears on a sanctions list",
					}
				}
				return nil
			},
		}
	case FrameworkDataPrivacy:
		return rule{
			id:        "privacy.pii_stays_in_region",
			framework: f,
			weight:    1.0,
			check: func(_ *Engine, op Operation) *Violation {
				if op.Metadata["contains_pii"] == "true" && op.Counterpart != JurisdictionEU {
					return &Violation{
						Rule:      "privacy.pii_stays_in_region",
						Framework: f,
						Detail:    "personal data would leave the regulated region",
					}
				}
				return nil
			},
		}
	case FrameworkSecurities:
		return rule{
			id:        "securities.distribution_licensed",
			framework: f,
			weight:    1.5,
			check: func(e *Engine, op Operation) *Violation {
				if strings.HasPrefix(op.Name, "distribution.") && op.Amount > e.largeAmt && op.Metadata["licensed"] != "true" {
					return &Violation{
						Rule:      "securities.distribution_licensed",
						Framework: f,
						Detail:    "large revenue distribution requires a licensed operator",
					}
				}
				return nil
			},
		}
	default:
		// The enum is closed; reaching this arm means a new framework was
		// added without a rule.
		panic(fmt.Sprintf("compliance: no rule for framework %q", f))
	}
}

// New builds the engine with the static per-jurisdiction rule sets.
func New(cfg Config, recorder *events.Recorder) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.LargeAmountLimit <= 0 {
		cfg.LargeAmountLimit = 100000
	}
	if cfg.HomeJurisdiction == "" {
		cfg.HomeJurisdiction = JurisdictionSG
	}
	engine := &Engine{
		threshold: cfg.Threshold,
		home:      cfg.HomeJurisdiction,
		largeAmt:  cfg.LargeAmountLimit,
		rules:     make(map[Jurisdiction][]rule),
		recorder:  recorder,
	}
	for _, j := range []Jurisdiction{JurisdictionUS, JurisdictionEU, JurisdictionUK, JurisdictionSG, JurisdictionUnknown} {
		frameworks := frameworksFor(j)
		rules := make([]rule, 0, len(frameworks))
		for _, f := range frameworks {
			rules = append(rules, ruleFor(f))
		}
		engine.rules[j] = rules
	}
	return engine
}

// Evaluate scores an operation: the weighted share of passing rules in the
// operation's jurisdiction. A score of 1.0 means every rule passed.
func (e *Engine) Evaluate(ctx context.Context, op Operation) Result {
	if op.Jurisdiction == "" {
		op.Jurisdiction = e.home
	}
	rules, ok := e.rules[op.Jurisdiction]
	if !ok {
		rules = e.rules[JurisdictionUnknown]
	}

	var totalWeight, failedWeight float64
	var violations []Violation
	for _, r := range rules {
		totalWeight += r.weight
		if v := r.check(e, op); v != nil {
			failedWeight += r.weight
			violations = append(violations, *v)
		}
	}

	score := 1.0
	if totalWeight > 0 {
		score = 1.0 - failedWeight/totalWeight
	}
	result := Result{Score: score, Violations: violations, EvaluatedAt: time.Now().Unix()}

	if len(violations) > 0 {
		// Violations are retained as audit records; clean evaluations are
		// logged but not persisted as agent state.
		profile := Profile{
			Jurisdiction: op.Jurisdiction,
			Frameworks:   frameworksFor(op.Jurisdiction),
			Score:        score,
			Violations:   violations,
		}
		if e.recorder != nil {
			_ = e.recorder.Record(ctx, events.EntityCompliance, op.Name, "violation", op, profile)
		}
	}
	logger.Audit().Info("compliance evaluation",
		slog.String("operation", op.Name),
		slog.String("jurisdiction", string(op.Jurisdiction)),
		slog.Float64("score", score),
		slog.Int("violations", len(violations)),
	)
	return result
}

// Check evaluates the operation and blocks it when the score falls below
// the configured threshold. The violated rules are listed explicitly; the
// gate is never silently bypassed.
func (e *Engine) Check(ctx context.Context, op Operation) error {
	result := e.Evaluate(ctx, op)
	if result.Score >= e.threshold {
		return nil
	}
	opts := []xerrors.Option{
		xerrors.WithMetadata("score", fmt.Sprintf("%.2f", result.Score)),
		xerrors.WithMetadata("threshold", fmt.Sprintf("%.2f", e.threshold)),
	}
	ruleIDs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		ruleIDs = append(ruleIDs, v.Rule)
	}
	opts = append(opts, xerrors.WithMetadata("rules", strings.Join(ruleIDs, ",")))
	return xerrors.New(CodeComplianceViolation,
		fmt.Sprintf("operation %s blocked: %s", op.Name, strings.Join(ruleIDs, ", ")),
		opts...,
	)
}

var _ Gate = (*Engine)(nil)
