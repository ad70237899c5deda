// Package pid computes a replicator's share of the keyspace with a
// proportional-integral-derivative feedback loop.
//
// The controller is local: it needs only the node's own memory and CPU usage
// and the aggregate coverage announced by its peers.
//
// The memory budget is an upper bound, not a target. With P replicators and
// a data set of S bytes, a budget L below S/P holds the factor near L/S.
// A budget above S/P leaves the factor at the fair share 1/P.
package pid

import (
	"math"
	"sync"
)

// Default gains.
const (
	DefaultKP = 0.3
	DefaultKI = 0.1
	DefaultKD = 0.1

	// Forgetting factor of the integral term.
	beta = 0.8
)

// Errors are the per-signal errors fed to an ErrorFunction. Positive values
// ask for a larger factor.
type Errors struct {
	Memory   float64
	Balance  float64
	Coverage float64
}

// ErrorFunction combines the signal errors into a single error.
type ErrorFunction func(Errors) float64

// DefaultErrorFunction weighs memory pressure most heavily when over budget,
// and otherwise blends balance and coverage.
func DefaultErrorFunction(e Errors) float64 {
	if e.Memory < 0 {
		return 0.9*e.Memory + 0.07*e.Balance + 0.03*e.Coverage
	}
	return 0.6*e.Balance + 0.4*e.Coverage
}

// Input is what the controller observes on one tick.
type Input struct {
	// MemoryUsage is the number of bytes currently stored locally.
	MemoryUsage float64
	// CurrentFactor is the fraction of the keyspace this node replicates.
	CurrentFactor float64
	// TotalFactor is the sum of the factors of every replicator, this node included.
	TotalFactor float64
	PeerCount   int
	// CPUUsage in [0,1]; ignored unless HasCPU.
	CPUUsage float64
	HasCPU   bool
}

// State is the controller's accumulator state.
type State struct {
	Integral            float64
	PreviousError       float64
	PreviousMemoryUsage float64
	PreviousTotalFactor float64
}

// Controller is safe for concurrent use.
type Controller struct {
	KP, KI, KD float64
	// TargetMemory is the memory budget in bytes. It only caps the factor.
	// Zero disables it.
	TargetMemory float64
	// MaxCPU in (0,1]. Zero disables the CPU override.
	MaxCPU        float64
	ErrorFunction ErrorFunction

	mu    sync.Mutex
	state State
}

// New returns a controller with the default gains and error function.
func New() *Controller {
	return &Controller{KP: DefaultKP, KI: DefaultKI, KD: DefaultKD}
}

// Reset clears the accumulated state.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = State{}
	c.mu.Unlock()
}

// State returns a copy of the accumulated state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Step returns the new factor, in [0,1], for one control tick.
func (c *Controller) Step(in Input) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := clamp(in.CurrentFactor)
	defer func() {
		c.state.PreviousMemoryUsage = in.MemoryUsage
		c.state.PreviousTotalFactor = in.TotalFactor
	}()

	// The sole replicator must hold everything.
	if in.PeerCount <= 1 {
		c.state.Integral, c.state.PreviousError = 0, 0
		return 1
	}

	var e Errors
	if c.TargetMemory > 0 && f > 0 && in.MemoryUsage > 0 {
		estimatedTotal := in.MemoryUsage / f
		e.Memory = clamp(c.TargetMemory/estimatedTotal) - f
	}

	e.Coverage = math.Min(1-in.TotalFactor, 1)
	if c.TargetMemory > 0 {
		e.Coverage *= 1 - math.Sqrt(math.Abs(e.Memory))
	}

	if e.Memory >= 0 {
		e.Balance = 1/float64(in.PeerCount) - f
	}

	fn := c.ErrorFunction
	if fn == nil {
		fn = DefaultErrorFunction
	}
	err := fn(e)

	c.state.Integral = beta*err + (1-beta)*c.state.Integral
	p := c.KP * err
	i := c.KI * c.state.Integral
	d := c.KD * (err - c.state.PreviousError)
	c.state.PreviousError = err

	next := clamp(f + p + i + d)

	if in.HasCPU && c.MaxCPU > 0 && in.CPUUsage > c.MaxCPU {
		over := (in.CPUUsage - c.MaxCPU) / math.Max(1-c.MaxCPU, 1e-9)
		over = math.Min(math.Max(over, 0.01), 1)
		next = math.Min(next, f*(1-over))
	}
	return next
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
