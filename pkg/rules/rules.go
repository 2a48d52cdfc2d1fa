// Package rules holds the detection rule registry and evaluation
// engine. Rules are pure with respect to the chain context they are
// handed; the engine supplies sequencing, per-rule timeouts, and error
// isolation so one misbehaving rule never takes down a tick.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/chain"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Meta is a rule's immutable registration metadata.
type Meta struct {
	ID               string
	Name             string
	Description      string
	DefaultSeverity  contracts.Severity
	Category         contracts.FindingCategory
	EnabledByDefault bool
	Version          string
}

// Rule evaluates on-chain state into findings. Implementations must be
// deterministic given the context and must not retain it.
type Rule interface {
	Meta() Meta
	Evaluate(ctx context.Context, cc ChainContext) ([]contracts.Finding, error)
}

// ChainContext is the view of chain state supplied to each rule. All
// accessor methods are effectful and may fail.
type ChainContext interface {
	CurrentBlock() *contracts.BigInt
	BlockTimestamp() time.Time
	ChainID() string
	ReceiptsInChallengeWindow(ctx context.Context) ([]chain.Receipt, error)
	ActiveDisputes(ctx context.Context) ([]chain.Dispute, error)
	SolverInfo(ctx context.Context, solverID string) (*chain.SolverInfo, error)
	Events(ctx context.Context, from, to *contracts.BigInt) ([]chain.Event, error)
}

// Context is the concrete ChainContext one tick hands to the engine: a
// provider pinned to the tick's block and timestamp.
type Context struct {
	provider  chain.Provider
	block     *contracts.BigInt
	timestamp time.Time
}

// NewContext pins provider state for one tick.
func NewContext(provider chain.Provider, block *contracts.BigInt, timestamp time.Time) *Context {
	return &Context{provider: provider, block: block, timestamp: timestamp}
}

func (c *Context) CurrentBlock() *contracts.BigInt { return c.block }
func (c *Context) BlockTimestamp() time.Time       { return c.timestamp }
func (c *Context) ChainID() string                 { return c.provider.ChainID() }

func (c *Context) ReceiptsInChallengeWindow(ctx context.Context) ([]chain.Receipt, error) {
	return c.provider.ReceiptsInChallengeWindow(ctx)
}

func (c *Context) ActiveDisputes(ctx context.Context) ([]chain.Dispute, error) {
	return c.provider.ActiveDisputes(ctx)
}

func (c *Context) SolverInfo(ctx context.Context, solverID string) (*chain.SolverInfo, error) {
	return c.provider.SolverInfo(ctx, solverID)
}

func (c *Context) Events(ctx context.Context, from, to *contracts.BigInt) ([]chain.Event, error) {
	return c.provider.EventsInRange(ctx, from, to)
}

// Registry maps rule IDs to rules in registration order. Registration
// happens at startup only; reads afterwards are lock-free.
type Registry struct {
	byID  map[string]Rule
	order []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Rule)}
}

// Register adds a rule. Registering the same ID twice is a programmer
// error and panics.
func (r *Registry) Register(rule Rule) {
	id := rule.Meta().ID
	if _, exists := r.byID[id]; exists {
		panic(fmt.Sprintf("rules: duplicate registration of rule %q", id))
	}
	r.byID[id] = rule
	r.order = append(r.order, id)
}

// Get returns the rule with the given ID.
func (r *Registry) Get(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	return rule, ok
}

// All returns every registered rule in registration order.
func (r *Registry) All() []Rule {
	out := make([]Rule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Enabled returns the rules with EnabledByDefault set, in registration
// order.
func (r *Registry) Enabled() []Rule {
	var out []Rule
	for _, id := range r.order {
		if rule := r.byID[id]; rule.Meta().EnabledByDefault {
			out = append(out, rule)
		}
	}
	return out
}
