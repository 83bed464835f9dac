// Package presence tracks who is online and decides where messages go.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/metrics"
)

// ErrStopped is returned once the registry loop has exited.
var ErrStopped = errors.New("presence registry stopped")

// Notifier receives presence broadcasts. Calls arrive on the registry
// goroutine in mutation order and must not call back into the Registry.
type Notifier interface {
	PresenceChanged(snapshot []support.Participant)
	AdminStatusChanged(online bool)
}

// View is a read-only window onto registry state.
type View interface {
	Lookup(connectionID string) (support.Participant, bool)
	All() []string
	ConnectionsByRole(role support.Role) []string
	FindByAffiliation(affiliationID string, role support.Role) []string
}

// Registry owns the participant map. All access goes through Run's goroutine.
type Registry struct {
	requests chan func(*state)
	done     chan struct{}
	notifier Notifier
	logger   types.Logger
}

// NewRegistry creates a registry. Nothing is served until Run is called.
func NewRegistry(logger types.Logger) *Registry {
	return &Registry{
		requests: make(chan func(*state)),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// SetNotifier sets the broadcast sink. Must be called before Run.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// Run serves registry requests until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	s := newState()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Presence registry stopped", "participants", len(s.entries))
			close(r.done)
			return
		case fn := <-r.requests:
			fn(s)
		}
	}
}

// Wait blocks until Run has returned.
func (r *Registry) Wait() {
	<-r.done
}

func (r *Registry) do(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	req := func(s *state) {
		defer close(finished)
		fn(s)
	}
	select {
	case r.requests <- req:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Register upserts p. A re-registration keeps its place in the snapshot order.
func (r *Registry) Register(ctx context.Context, p support.Participant) error {
	if p.DisplayName == "" {
		p.DisplayName = support.DefaultDisplayName(p.ConnectionID)
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now()
	}
	return r.do(ctx, func(s *state) {
		s.put(p)
		r.logger.Info("Participant registered",
			"connectionID", p.ConnectionID,
			"role", p.Role.String(),
			"affiliationID", p.AffiliationID)
		r.publishSnapshot(s)
		if p.Role == support.RoleAdmin {
			r.publishAdminStatus(true)
		}
	})
}

// Unregister removes the entry for connectionID and returns it.
func (r *Registry) Unregister(ctx context.Context, connectionID string) (support.Participant, bool, error) {
	var (
		removed support.Participant
		ok      bool
	)
	err := r.do(ctx, func(s *state) {
		removed, ok = s.remove(connectionID)
		if !ok {
			return
		}
		r.logger.Info("Participant unregistered",
			"connectionID", connectionID,
			"role", removed.Role.String())
		if removed.Role == support.RoleAdmin && !s.adminOnline() {
			r.publishAdminStatus(false)
		}
		r.publishSnapshot(s)
	})
	return removed, ok, err
}

// EvictAffiliation removes every driver and customer entry with the given
// affiliation under a single snapshot broadcast.
func (r *Registry) EvictAffiliation(ctx context.Context, affiliationID string) ([]support.Participant, error) {
	var evicted []support.Participant
	err := r.do(ctx, func(s *state) {
		for _, role := range []support.Role{support.RoleDriver, support.RoleCustomer} {
			for _, id := range s.FindByAffiliation(affiliationID, role) {
				if p, ok := s.remove(id); ok {
					evicted = append(evicted, p)
				}
			}
		}
		if len(evicted) > 0 {
			r.logger.Info("Affiliation evicted", "affiliationID", affiliationID, "connections", len(evicted))
			r.publishSnapshot(s)
		}
	})
	return evicted, err
}

// Lookup returns the participant registered for connectionID.
func (r *Registry) Lookup(ctx context.Context, connectionID string) (support.Participant, bool, error) {
	var (
		p  support.Participant
		ok bool
	)
	err := r.do(ctx, func(s *state) {
		p, ok = s.Lookup(connectionID)
	})
	return p, ok, err
}

// FindByAffiliation returns live connections matching affiliation and role.
func (r *Registry) FindByAffiliation(ctx context.Context, affiliationID string, role support.Role) ([]string, error) {
	var ids []string
	err := r.do(ctx, func(s *state) {
		ids = s.FindByAffiliation(affiliationID, role)
	})
	return ids, err
}

// IsAdminOnline reports whether any admin is registered.
func (r *Registry) IsAdminOnline(ctx context.Context) (bool, error) {
	var online bool
	err := r.do(ctx, func(s *state) {
		online = s.adminOnline()
	})
	return online, err
}

// Snapshot returns all participants in registration order.
func (r *Registry) Snapshot(ctx context.Context) ([]support.Participant, error) {
	var snap []support.Participant
	err := r.do(ctx, func(s *state) {
		snap = s.snapshot()
	})
	return snap, err
}

// Count returns the number of registered participants.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func(s *state) {
		n = len(s.entries)
	})
	return n, err
}

// Route resolves recipients for msg against the current registry state.
func (r *Registry) Route(ctx context.Context, msg support.Message) ([]string, error) {
	var ids []string
	err := r.do(ctx, func(s *state) {
		ids = Route(msg, s)
	})
	return ids, err
}

func (r *Registry) publishSnapshot(s *state) {
	for _, role := range []support.Role{support.RoleDriver, support.RoleAdmin, support.RoleCustomer} {
		metrics.ParticipantsOnline.WithLabelValues(role.String()).Set(float64(len(s.byRole[role])))
	}
	if r.notifier != nil {
		r.notifier.PresenceChanged(s.snapshot())
	}
}

func (r *Registry) publishAdminStatus(online bool) {
	if r.notifier != nil {
		r.notifier.AdminStatusChanged(online)
	}
}

// state is only touched from the Run goroutine.
type state struct {
	entries map[string]support.Participant
	order   []string
	byRole  map[support.Role]map[string]struct{}
}

var _ View = (*state)(nil)

func newState() *state {
	return &state{
		entries: make(map[string]support.Participant),
		byRole:  make(map[support.Role]map[string]struct{}),
	}
}

func (s *state) put(p support.Participant) {
	if prev, ok := s.entries[p.ConnectionID]; ok {
		delete(s.byRole[prev.Role], p.ConnectionID)
	} else {
		s.order = append(s.order, p.ConnectionID)
	}
	s.entries[p.ConnectionID] = p
	if s.byRole[p.Role] == nil {
		s.byRole[p.Role] = make(map[string]struct{})
	}
	s.byRole[p.Role][p.ConnectionID] = struct{}{}
}

func (s *state) remove(connectionID string) (support.Participant, bool) {
	p, ok := s.entries[connectionID]
	if !ok {
		return support.Participant{}, false
	}
	delete(s.entries, connectionID)
	delete(s.byRole[p.Role], connectionID)
	for i, id := range s.order {
		if id == connectionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return p, true
}

func (s *state) adminOnline() bool {
	return len(s.byRole[support.RoleAdmin]) > 0
}

func (s *state) snapshot() []support.Participant {
	out := make([]support.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *state) Lookup(connectionID string) (support.Participant, bool) {
	p, ok := s.entries[connectionID]
	return p, ok
}

func (s *state) All() []string {
	return append([]string(nil), s.order...)
}

func (s *state) ConnectionsByRole(role support.Role) []string {
	members := s.byRole[role]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for _, id := range s.order {
		if _, ok := members[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *state) FindByAffiliation(affiliationID string, role support.Role) []string {
	if affiliationID == "" {
		return nil
	}
	var out []string
	for _, id := range s.ConnectionsByRole(role) {
		if s.entries[id].AffiliationID == affiliationID {
			out = append(out, id)
		}
	}
	return out
}
