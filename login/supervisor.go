// Package login keeps the gateway and every registered object authenticated
// with the platform.
//
// Sessions live in memory only; after a restart they are rebuilt from the
// registration store. Per-object failures never surface as errors: they are
// reported through return values and retried sequentially.
package login

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/metric"
	"github.com/AuroralH2020/auroral-node-agent/pkg/retry"
	"github.com/AuroralH2020/auroral-node-agent/pkg/scheduler"
	"github.com/AuroralH2020/auroral-node-agent/registry"
)

const component = "login"

// GatewaySubject is the session key of the gateway itself.
const GatewaySubject = ""

// maxConcurrentLogins bounds the batch fan-out towards the registry.
const maxConcurrentLogins = 16

// Session is the authentication state of the gateway or one object.
type Session struct {
	Subject       string    `json:"subject"`
	Authenticated bool      `json:"authenticated"`
	Retries       int       `json:"retries"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Supervisor owns the sessions of this node.
type Supervisor struct {
	auth      registry.Authenticator
	sched     *scheduler.Scheduler
	cfg       config.LoginConfig
	gatewayID string
	metrics   *metric.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSupervisor creates a supervisor. gatewayID labels the gateway session.
func NewSupervisor(
	auth registry.Authenticator,
	sched *scheduler.Scheduler,
	cfg config.LoginConfig,
	gatewayID string,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GatewayAttempts <= 0 {
		cfg.GatewayAttempts = 10
	}
	if cfg.ObjectAttempts <= 0 {
		cfg.ObjectAttempts = 10
	}
	return &Supervisor{
		auth:      auth,
		sched:     sched,
		cfg:       cfg,
		gatewayID: gatewayID,
		metrics:   metrics,
		logger:    logger.With("component", component),
		sessions:  make(map[string]*Session),
	}
}

func (s *Supervisor) label(subject string) string {
	if subject == GatewaySubject {
		return "gateway"
	}
	return "object"
}

func (s *Supervisor) update(subject string, authenticated bool, retries int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[subject]
	if !ok {
		name := subject
		if subject == GatewaySubject {
			name = s.gatewayID
		}
		sess = &Session{Subject: name}
		s.sessions[subject] = sess
	}
	sess.Authenticated = authenticated
	sess.Retries = retries
	sess.UpdatedAt = s.sched.Clock().Now()
}

func (s *Supervisor) forget(subject string) {
	s.mu.Lock()
	delete(s.sessions, subject)
	s.mu.Unlock()
}

// login performs one registry login and records the outcome.
func (s *Supervisor) login(ctx context.Context, subject string, retries int) error {
	err := s.auth.Login(ctx, subject)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.RecordLogin(s.label(subject), outcome)
	s.update(subject, err == nil, retries)
	return err
}

// LoginGateway logs the gateway in, retrying immediately up to maxAttempts
// times. Exhaustion is logged and returned; the agent keeps running degraded.
func (s *Supervisor) LoginGateway(ctx context.Context, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.GatewayAttempts
	}
	attempts := 0
	cfg := retry.Immediate(maxAttempts)
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("Retrying gateway login", "attempt", attempt+1, "error", err)
	}
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		return s.login(ctx, GatewaySubject, attempts-1)
	})
	if err != nil {
		s.logger.Error("Gateway could not be logged in, log in manually or restart the node",
			"attempts", attempts, "error", err)
		return errs.WrapKind(errs.Join(errs.ErrLoginExhausted, err), errs.KindUpstreamUnavailable,
			component, "LoginGateway", "log in gateway")
	}
	s.logger.Info("Gateway logged in", "agid", s.gatewayID)
	return nil
}

// LoginObjects logs every object in concurrently and returns the OIDs that
// failed, in input order. It does not retry.
func (s *Supervisor) LoginObjects(ctx context.Context, oids []string) []string {
	failed := make([]bool, len(oids))
	var g errgroup.Group
	g.SetLimit(maxConcurrentLogins)
	for i, oid := range oids {
		g.Go(func() error {
			if err := s.login(ctx, oid, 0); err != nil {
				s.logger.Warn("Object login failed", "oid", oid, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, oid := range oids {
		if failed[i] {
			out = append(out, oid)
		}
	}
	return out
}

// RetryFailedLogins retries the queue strictly one object at a time. The
// front object is always taken off the queue before the next attempt: it is
// either logged in, put back with one more retry counted, or dropped once its
// budget is spent. One object's failures never starve the others.
func (s *Supervisor) RetryFailedLogins(ctx context.Context, oids []string) (loggedIn, dropped []string) {
	type pending struct {
		oid      string
		attempts int
	}
	queue := make([]pending, 0, len(oids))
	for _, oid := range oids {
		queue = append(queue, pending{oid: oid})
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			for _, p := range queue {
				dropped = append(dropped, p.oid)
			}
			return loggedIn, dropped
		}
		front := queue[0]
		queue = queue[1:]
		front.attempts++

		err := s.login(ctx, front.oid, front.attempts-1)
		switch {
		case err == nil:
			loggedIn = append(loggedIn, front.oid)
		case front.attempts >= s.cfg.ObjectAttempts:
			s.logger.Error("Object could not be logged in, log in manually or restart the node",
				"oid", front.oid, "attempts", front.attempts, "error", err)
			dropped = append(dropped, front.oid)
		default:
			s.logger.Warn("Retrying object login", "oid", front.oid, "attempt", front.attempts+1, "error", err)
			queue = append([]pending{front}, queue...)
		}
	}
	return loggedIn, dropped
}

// Logout closes the session of one object, or of the gateway when oid is empty.
func (s *Supervisor) Logout(ctx context.Context, oid string) error {
	err := s.auth.Logout(ctx, oid)
	if err != nil {
		s.logger.Warn("Logout failed", "oid", oid, "error", err)
		return errs.Upstream(err, component, "Logout", "log out "+s.label(oid))
	}
	s.forget(oid)
	return nil
}

// LogoutAll logs every object out concurrently and the gateway last.
func (s *Supervisor) LogoutAll(ctx context.Context, oids []string) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentLogins)
	for _, oid := range oids {
		if oid == GatewaySubject {
			continue
		}
		g.Go(func() error {
			_ = s.Logout(ctx, oid)
			return nil
		})
	}
	_ = g.Wait()
	_ = s.Logout(ctx, GatewaySubject)
}

// Refresh logs the gateway and the objects in, then schedules a sequential
// retry of the objects that failed after the configured retry delay.
func (s *Supervisor) Refresh(ctx context.Context, oids []string) {
	if err := s.LoginGateway(ctx, s.cfg.GatewayAttempts); err != nil {
		return
	}
	failed := s.LoginObjects(ctx, oids)
	if len(failed) == 0 {
		return
	}
	s.logger.Info("Scheduling login retry", "count", len(failed), "delay", s.cfg.RetryDelay)
	s.sched.After("login-retry", s.cfg.RetryDelay, func(taskCtx context.Context) {
		s.RetryFailedLogins(taskCtx, failed)
	})
}

// Sessions returns a snapshot of every known session sorted by subject.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
