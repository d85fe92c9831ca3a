// Package hook implements the typed hook-point redesign of spec.md §9
// ("Plugin callbacks"): the source's function-pointer plugin records become
// a named chain of callables per hook point, linked at build time (no
// dynamic loading required for the core).
package hook

import "context"

// Point names a moment in bootstrap/runtime/shutdown at which registered
// callbacks run before the supervisor proceeds, e.g. HOOK_SVC_RECONF,
// HOOK_RUNLEVEL_CHANGE, HOOK_SHUTDOWN from the source.
type Point string

const (
	PointSvcReconf      Point = "svc-reconf"      // §4.6 step 4, after teardown before restart
	PointRunlevelChange Point = "runlevel-change"  // §4.7 step 4, between teardown and startup
	PointShutdown       Point = "shutdown"         // §4.7 step 6, before reboot/halt
	PointBanner         Point = "banner"
	PointRootfsUp       Point = "rootfs-up"
)

// Func is one hook callback. It must not block; long work should be
// expressed the same way event loop callbacks do (post follow-up work and
// return).
type Func func(ctx context.Context) error

// Chain is an ordered, named list of callbacks for a single Point.
type Chain struct {
	point     Point
	callbacks []Func
}

// NewChain constructs an empty Chain for point.
func NewChain(point Point) *Chain {
	return &Chain{point: point}
}

// Register appends fn to the chain, to run in registration order.
func (c *Chain) Register(fn Func) {
	c.callbacks = append(c.callbacks, fn)
}

// Run invokes every registered callback in order, stopping at (and
// returning) the first error.
func (c *Chain) Run(ctx context.Context) error {
	for _, fn := range c.callbacks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len reports how many callbacks are registered.
func (c *Chain) Len() int { return len(c.callbacks) }

// Registry owns one Chain per Point, used by the supervisor to look up
// "the svc-reconf chain" etc. by name rather than threading individual
// *Chain values through every constructor.
type Registry struct {
	chains map[Point]*Chain
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{chains: make(map[Point]*Chain)}
}

// At returns the Chain for point, creating it on first use.
func (r *Registry) At(point Point) *Chain {
	c, ok := r.chains[point]
	if !ok {
		c = NewChain(point)
		r.chains[point] = c
	}
	return c
}

// Run runs the chain at point, a no-op if nothing is registered there.
func (r *Registry) Run(ctx context.Context, point Point) error {
	return r.At(point).Run(ctx)
}
