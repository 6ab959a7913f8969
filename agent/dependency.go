package agent

import "context"

// FuncDependency adapts a plain probe function to Dependency, for
// wrapping the bus/event-channel/shared-store/DB collaborators each
// domain agent holds with a cheap liveness check (typically a Stats,
// Get, or Ping call already on the collaborator's interface).
type FuncDependency struct {
	name  string
	check func(ctx context.Context) error
}

// NewDependency builds a FuncDependency named name, probed via check.
func NewDependency(name string, check func(ctx context.Context) error) FuncDependency {
	return FuncDependency{name: name, check: check}
}

func (d FuncDependency) Name() string { return d.name }

func (d FuncDependency) Check(ctx context.Context) error { return d.check(ctx) }

var _ Dependency = FuncDependency{}
