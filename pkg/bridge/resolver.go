package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DomainResolver looks up the domain id a client should connect to for a
// given place name. A real deployment would call out to a metaverse
// directory API; StaticDomainResolver serves a fixed, operator-configured
// mapping instead.
type DomainResolver interface {
	Resolve(ctx context.Context, placeName string) (uuid.UUID, error)
}

// StaticDomainResolver resolves place names from a fixed map, configured at
// startup.
type StaticDomainResolver struct {
	places map[string]uuid.UUID
}

// NewStaticDomainResolver builds a resolver from a place-name -> domain-id
// map. Keys are matched case-sensitively.
func NewStaticDomainResolver(places map[string]uuid.UUID) *StaticDomainResolver {
	r := &StaticDomainResolver{places: make(map[string]uuid.UUID, len(places))}
	for k, v := range places {
		r.places[k] = v
	}
	return r
}

func (r *StaticDomainResolver) Resolve(ctx context.Context, placeName string) (uuid.UUID, error) {
	id, ok := r.places[placeName]
	if !ok {
		return uuid.UUID{}, fmt.Errorf("bridge: unknown place %q", placeName)
	}
	return id, nil
}
