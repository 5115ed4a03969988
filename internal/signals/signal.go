// Package signals implements the durable trading-signal log shared by the
// strategy scheduler and the signal executor.
package signals

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a signal's intent.
type Kind string

const (
	KindOrder      Kind = "ORDER"
	KindRebalance  Kind = "REBALANCE"
	KindAllocation Kind = "ALLOCATION"
)

// Status is the signal lifecycle state. Transitions are monotone:
// PENDING → EXECUTED | FAILED | CANCELLED, and terminal rows are never
// reopened.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuted  Status = "EXECUTED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// Signal is one persisted intent-to-trade.
type Signal struct {
	ID         string          `json:"id"`
	JobName    string          `json:"job_name"`
	Account    string          `json:"account"`
	Market     string          `json:"market"`
	Kind       Kind            `json:"kind"`
	Symbol     string          `json:"symbol,omitempty"` // empty for REBALANCE/ALLOCATION
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	TriggerAt  *time.Time      `json:"trigger_at,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// OrderPayload is the ORDER variant: a concrete buy/sell of qty shares,
// optionally at a known price.
type OrderPayload struct {
	Side   string  `json:"side"` // buy | sell
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// RebalancePayload is the REBALANCE variant: either target weights in
// [0,1] or absolute target market values per symbol.
type RebalancePayload struct {
	TargetWeights map[string]float64 `json:"target_weights,omitempty"`
	TargetMV      map[string]float64 `json:"target_mv,omitempty"`
}

// AllocationPayload is the ALLOCATION variant: target weights only, with
// Σw ≤ 1+ε.
type AllocationPayload struct {
	TargetWeights map[string]float64 `json:"target_weights"`
}

const weightEpsilon = 1e-6

// Validate checks kind-specific payload invariants before insertion.
func (s *Signal) Validate() error {
	if s.Account == "" {
		return fmt.Errorf("signal missing account")
	}
	switch s.Kind {
	case KindOrder:
		var p OrderPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return fmt.Errorf("invalid ORDER payload: %w", err)
		}
		if s.Symbol == "" {
			return fmt.Errorf("ORDER signal missing symbol")
		}
		if p.Side != "buy" && p.Side != "sell" {
			return fmt.Errorf("ORDER signal has invalid side %q", p.Side)
		}
		if p.Qty <= 0 {
			return fmt.Errorf("ORDER signal qty must be positive, got %v", p.Qty)
		}
	case KindRebalance:
		var p RebalancePayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return fmt.Errorf("invalid REBALANCE payload: %w", err)
		}
		if len(p.TargetWeights) == 0 && len(p.TargetMV) == 0 {
			return fmt.Errorf("REBALANCE signal needs target_weights or target_mv")
		}
	case KindAllocation:
		var p AllocationPayload
		if err := json.Unmarshal(s.Payload, &p); err != nil {
			return fmt.Errorf("invalid ALLOCATION payload: %w", err)
		}
		if len(p.TargetWeights) == 0 {
			return fmt.Errorf("ALLOCATION signal needs target_weights")
		}
		sum := 0.0
		for sym, w := range p.TargetWeights {
			if w < 0 || w > 1 {
				return fmt.Errorf("ALLOCATION weight for %s out of [0,1]: %v", sym, w)
			}
			sum += w
		}
		if sum > 1.0+weightEpsilon {
			return fmt.Errorf("ALLOCATION weights sum to %v > 1", sum)
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return nil
}

// MustPayload marshals a payload struct, panicking on programmer error.
// Only used when constructing signals from typed payloads.
func MustPayload(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unmarshalable signal payload: %v", err))
	}
	return raw
}

// Filter narrows list/count queries. Zero values mean "any".
type Filter struct {
	Account  string
	Market   string
	Status   Status
	Kind     Kind
	JobName  string
	DateFrom time.Time
	DateTo   time.Time
}
