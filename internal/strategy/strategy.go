// Package strategy hosts the strategy registry and runner. Strategies are
// registered at init time under a string name; the scheduler instantiates
// them per job with the job's params.
package strategy

import (
	"time"

	"github.com/milliyang/zuilow/internal/bars"
)

// Draft is the loosely-typed signal a strategy emits. The runner converts
// drafts to persisted trading signals; which kind a draft becomes follows
// from its fields (target weights or market values make it portfolio-level).
type Draft struct {
	Kind          string             `json:"kind,omitempty"` // order | rebalance | allocation
	Symbol        string             `json:"symbol,omitempty"`
	Side          string             `json:"side,omitempty"`
	Qty           float64            `json:"qty,omitempty"`
	Price         float64            `json:"price,omitempty"`
	TargetWeights map[string]float64 `json:"target_weights,omitempty"`
	TargetMV      map[string]float64 `json:"target_mv,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Timestamp     string             `json:"timestamp,omitempty"`
}

// AccountSnapshot is the synthetic account a strategy sees while walking
// history. Strategies must not assume it reflects live broker state.
type AccountSnapshot struct {
	Name   string
	Cash   float64
	Equity float64
}

// Context carries everything a strategy may consult during a run.
type Context struct {
	Account AccountSnapshot
	Params  map[string]interface{}
	History []bars.Bar // chronological, most recent last
	Now     time.Time
}

// ParamFloat reads a float param with a default.
func (c *Context) ParamFloat(key string, def float64) float64 {
	if v, ok := c.Params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

// ParamInt reads an int param with a default.
func (c *Context) ParamInt(key string, def int) int {
	if v, ok := c.Params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

// Strategy is the per-bar hook. OnBar returns nil when the bar produces no
// signal; the runner keeps only the last non-nil draft per symbol.
type Strategy interface {
	Name() string
	OnBar(bar bars.Bar, ctx *Context) (*Draft, error)
}

// Rebalancer is the optional portfolio-level extension. When a strategy
// implements it and returns a non-nil draft, the runner short-circuits the
// per-symbol walk entirely.
type Rebalancer interface {
	RebalanceOutput(ctx *Context) (*Draft, error)
}
