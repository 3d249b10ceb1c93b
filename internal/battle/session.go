package battle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/agentbattle/internal/idgen"
	"github.com/mbd888/agentbattle/internal/logging"
	"github.com/mbd888/agentbattle/internal/metrics"
	"github.com/mbd888/agentbattle/internal/syncutil"
	"github.com/mbd888/agentbattle/internal/timeline"
	"github.com/mbd888/agentbattle/internal/traces"
)

var (
	ErrSessionNotFound = errors.New("battle: session not found")
	ErrTooManySessions = errors.New("battle: session limit reached")
)

// Session is one independent simulator. Each session has its own wallets,
// so conservation holds per session.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	snap       Snapshot
	lastActive time.Time
}

// NewSession creates a session at the initial snapshot for cfg.
func NewSession(id string, cfg Config, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, snap: New(cfg), lastActive: now}
}

// Snapshot returns the current snapshot.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// LastActive is when the session last accepted an intent.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) set(snap Snapshot, now time.Time) {
	s.mu.Lock()
	s.snap = snap
	s.lastActive = now
	s.mu.Unlock()
}

// Update is published to observers after every applied intent.
type Update struct {
	SessionID string           `json:"sessionId"`
	Intent    Kind             `json:"intent"`
	Events    []timeline.Event `json:"events"`
	Snapshot  Snapshot         `json:"snapshot"`
}

// Observer is notified of applied intents, in dispatch order per session.
type Observer interface {
	OnUpdate(ctx context.Context, u Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u Update)

func (f ObserverFunc) OnUpdate(ctx context.Context, u Update) { f(ctx, u) }

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	ListIdle(ctx context.Context, before time.Time, limit int) ([]*Session, error)
	Count() int
}

// Service hosts battle sessions and serialises dispatch per session.
type Service struct {
	store     Store
	locks     *syncutil.KeyedMutex
	defaults  Config
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
}

// NewService creates a session host. defaults seeds sessions created
// without explicit configuration.
func NewService(store Store, defaults Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		locks:    syncutil.NewKeyedMutex(0),
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// WithObserver adds an observer for applied intents.
func (s *Service) WithObserver(o Observer) *Service {
	s.observers = append(s.observers, o)
	return s
}

// Defaults returns the configuration new sessions start from.
func (s *Service) Defaults() Config {
	return s.defaults
}

// Create starts a session. A nil cfg uses the service defaults; a zero
// epoch starts the simulated clock at the current wall time.
func (s *Service) Create(ctx context.Context, cfg *Config) (*Session, error) {
	c := s.defaults
	if cfg != nil {
		c = *cfg
	}
	now := s.now()
	if c.Epoch.IsZero() {
		c.Epoch = now.UTC().Truncate(time.Second)
	}

	sess := NewSession(idgen.WithPrefix("bs_"), c, now)
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Set(float64(s.store.Count()))
	logging.L(logging.WithSessionID(ctx, sess.ID)).Info("session created")
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// List returns every live session.
func (s *Service) List(ctx context.Context) ([]*Session, error) {
	return s.store.List(ctx)
}

// Delete drops a session.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	metrics.ActiveSessions.Set(float64(s.store.Count()))
	return nil
}

// Dispatch applies one intent to a session. A rejected intent returns the
// unchanged snapshot along with the rejection.
func (s *Service) Dispatch(ctx context.Context, id string, in Intent) (Snapshot, error) {
	if in == nil {
		return Snapshot{}, &Rejection{Reason: "no intent", Err: ErrInvalidInput}
	}
	kind := string(in.Kind())
	ctx, span := traces.StartSpan(ctx, "battle.Dispatch",
		traces.SessionID(id), traces.Intent(kind), traces.Actor(in.Actor().String()))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		traces.Fail(span, err)
		return Snapshot{}, err
	}

	log := logging.L(logging.WithSessionID(ctx, id))
	prev := sess.Snapshot()
	start := time.Now()
	next, err := Reduce(prev, in)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		result := resultLabel(err)
		metrics.IntentsTotal.WithLabelValues(kind, result).Inc()
		span.SetAttributes(traces.Outcome(result))
		if result == "invariant" {
			traces.Fail(span, err)
			log.Error("intent broke an invariant", "intent", kind, "actor", in.Actor(), "error", err)
		} else {
			log.Info("intent rejected", "intent", kind, "actor", in.Actor(), "state", prev.State(), "reason", err)
		}
		return prev, err
	}

	sess.set(next, s.now())
	metrics.IntentsTotal.WithLabelValues(kind, "applied").Inc()
	span.SetAttributes(traces.Outcome("applied"))

	events := newEvents(prev, next)
	for _, e := range events {
		if e.IsTransition() {
			metrics.TransitionsTotal.WithLabelValues(e.FromState.String(), e.ToState.String()).Inc()
		}
	}
	switch in := in.(type) {
	case ResolveDispute:
		metrics.DisputesResolvedTotal.WithLabelValues(in.Resolution.String()).Inc()
	case AcceptQuote:
		if next.Negotiation != nil {
			metrics.NegotiationRounds.Observe(float64(next.Negotiation.CurrentRound))
		}
	}
	if next.Tx != nil {
		span.SetAttributes(traces.TransactionID(next.Tx.ID), traces.State(next.State().String()))
	}
	log.Debug("intent applied", "intent", kind, "actor", in.Actor(), "state", next.State(), "version", next.Version)

	u := Update{SessionID: id, Intent: in.Kind(), Events: events, Snapshot: next}
	for _, o := range s.observers {
		o.OnUpdate(ctx, u)
	}
	return next, nil
}

// EvictIdle drops sessions idle for longer than ttl and returns how many
// were removed. Sessions busy dispatching, or active again by the time
// their lock is taken, are skipped.
func (s *Service) EvictIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	idle, err := s.store.ListIdle(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, sess := range idle {
		unlock, ok := s.locks.TryLock(sess.ID)
		if !ok {
			continue
		}
		// An intent may have landed between ListIdle and TryLock.
		if !sess.LastActive().Before(cutoff) {
			unlock()
			continue
		}
		err := s.store.Delete(ctx, sess.ID)
		unlock()
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return evicted, err
		}
		if err == nil {
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SessionsEvictedTotal.Add(float64(evicted))
		metrics.ActiveSessions.Set(float64(s.store.Count()))
	}
	return evicted, nil
}

// newEvents returns the events next added on top of prev. After a reset
// the timeline starts over and nothing is new.
func newEvents(prev, next Snapshot) []timeline.Event {
	if next.Timeline.Len() <= prev.Timeline.Len() {
		return nil
	}
	return next.Timeline.Since(uint64(prev.Timeline.Len()))
}

func resultLabel(err error) string {
	var inv *InvariantError
	if errors.As(err, &inv) {
		return "invariant"
	}
	var rej *Rejection
	if errors.As(err, &rej) && rej.InvalidInput() {
		return "invalid"
	}
	return "rejected"
}
