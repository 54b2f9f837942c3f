package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// Registry holds the configured backends by id.
type Registry struct {
	backends map[string]domain.Backend
	ids      []string
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger, backends ...domain.Backend) *Registry {
	r := &Registry{backends: make(map[string]domain.Backend), logger: logger}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// FromConfig builds an A2A backend for every configured entry.
func FromConfig(cfgs map[string]config.BackendConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for id, bc := range cfgs {
		skills := make([]domain.AgentSkill, 0, len(bc.Skills))
		for _, s := range bc.Skills {
			skills = append(skills, domain.AgentSkill{Name: s.Name, Description: s.Description, Tags: s.Tags})
		}
		b, err := NewA2A(A2AConfig{
			ID:          id,
			URL:         bc.URL,
			Name:        bc.Name,
			Description: bc.Description,
			Skills:      skills,
			Discover:    bc.DiscoverCard,
			Headers:     bc.Headers,
			Timeout:     config.Seconds(bc.TimeoutSeconds, defaultTimeout),
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", id, err)
		}
		r.Register(b)
	}
	return r, nil
}

// Register adds or replaces a backend.
func (r *Registry) Register(b domain.Backend) {
	if _, exists := r.backends[b.ID()]; !exists {
		r.ids = append(r.ids, b.ID())
		sort.Strings(r.ids)
	}
	r.backends[b.ID()] = b
}

func (r *Registry) Get(id string) (domain.Backend, error) {
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBackendNotFound, id)
	}
	return b, nil
}

// IDs returns the backend ids in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r *Registry) Len() int { return len(r.ids) }

// Card returns one backend's card, logging and tolerating refresh failures.
func (r *Registry) Card(ctx context.Context, id string) (*domain.AgentCard, error) {
	b, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	card, err := b.Card(ctx)
	if err != nil {
		if card == nil {
			return nil, err
		}
		r.logger.Warn("agent card refresh failed, using fallback", "backend", id, "error", err)
	}
	return card, nil
}

// Cards returns every backend's card in id order. Backends whose card cannot
// be resolved at all are omitted.
func (r *Registry) Cards(ctx context.Context) []domain.AgentCard {
	cards := make([]domain.AgentCard, 0, len(r.ids))
	for _, id := range r.ids {
		card, err := r.Card(ctx, id)
		if err != nil {
			r.logger.Warn("agent card unavailable", "backend", id, "error", err)
			continue
		}
		cards = append(cards, *card)
	}
	return cards
}

// CardTimeout bounds a full card refresh across all backends.
const CardTimeout = 30 * time.Second
