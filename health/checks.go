package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Component names reported by the agent.
const (
	ComponentRedis   = "Redis"
	ComponentGateway = "Gateway"
	ComponentNATS    = "NATS"
	ComponentNodeApp = "NodeApp"
	ComponentWoT     = "WoT"
)

// Summary values of the report returned to API callers.
const (
	SummaryOK   = "OK"
	SummaryDown = "DOWN"
)

// DefaultCheckTimeout bounds a single probe.
const DefaultCheckTimeout = 3 * time.Second

// Probe reports an error when a dependency cannot be used.
type Probe func(ctx context.Context) error

// Check is a named probe. The node cannot serve without a critical
// dependency.
type Check struct {
	Name     string
	Probe    Probe
	Critical bool
}

// Redis and Gateway are the dependencies every request path needs.
func RedisCheck(p Probe) Check   { return Check{Name: ComponentRedis, Probe: p, Critical: true} }
func GatewayCheck(p Probe) Check { return Check{Name: ComponentGateway, Probe: p, Critical: true} }
func WoTCheck(p Probe) Check     { return Check{Name: ComponentWoT, Probe: p} }
func NATSCheck(p Probe) Check    { return Check{Name: ComponentNATS, Probe: p} }

// Checker runs probes and records their results in a Monitor.
type Checker struct {
	monitor *Monitor
	checks  []Check
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
	started time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithClock replaces the wall clock used for latency and uptime.
func WithClock(clock clockwork.Clock) CheckerOption {
	return func(c *Checker) { c.clock = clock }
}

// WithLogger sets the logger that reports level changes.
func WithLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChecker creates a checker over checks.
func NewChecker(monitor *Monitor, timeout time.Duration, checks []Check, opts ...CheckerOption) *Checker {
	if monitor == nil {
		monitor = NewMonitor()
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	c := &Checker{monitor: monitor, checks: checks, timeout: timeout, clock: clockwork.NewRealClock(),
		logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock.Now()
	return c
}

// Monitor returns the monitor the checker writes to.
func (c *Checker) Monitor() *Monitor {
	return c.monitor
}

// slow is the latency above which a reachable dependency counts as degraded.
func (c *Checker) slow() time.Duration {
	return c.timeout / 2
}

func (c *Checker) probe(ctx context.Context, check Check) Status {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	err := check.Probe(pctx)
	s := Status{
		Component: check.Name,
		Level:     LevelUp,
		Critical:  check.Critical,
		Latency:   c.clock.Since(start),
		CheckedAt: c.clock.Now(),
	}
	switch {
	case err != nil:
		s.Level = LevelDown
		s.Message = sanitize(err.Error())
	case s.Latency > c.slow():
		s.Level = LevelDegraded
		s.Message = "slow response"
	}
	prev, seen := c.monitor.Last(check.Name)
	s = c.monitor.Record(s)
	if seen && prev.Level != s.Level {
		c.logger.Warn("Dependency health changed", "component", s.Component,
			"from", prev.Level, "to", s.Level, "message", s.Message)
	}
	return s
}

// Run probes every dependency concurrently. NodeApp is reported up since
// the process is answering.
func (c *Checker) Run(ctx context.Context) Report {
	var g errgroup.Group
	for _, check := range c.checks {
		g.Go(func() error {
			c.probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	c.monitor.Record(Status{Component: ComponentNodeApp, Level: LevelUp, Critical: true, CheckedAt: c.clock.Now()})
	components := c.monitor.Snapshot()
	return Report{
		Level:      overall(components),
		Uptime:     c.clock.Since(c.started),
		Components: components,
	}
}

// Summary flattens a report into component name to OK or DOWN.
func Summary(r Report) map[string]string {
	out := make(map[string]string, len(r.Components))
	for _, s := range r.Components {
		if s.Reachable() {
			out[s.Component] = SummaryOK
		} else {
			out[s.Component] = SummaryDown
		}
	}
	return out
}
