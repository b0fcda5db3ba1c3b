// Package session holds the identity of the current owner: who they are and
// which vehicle they registered, as resolved by a vehicle lookup.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

// Store persists a single identity. Load returns nil, nil when nothing is stored.
type Store interface {
	Load(ctx context.Context) (*domain.Identity, error)
	Save(ctx context.Context, id domain.Identity) error
	Clear(ctx context.Context) error
}

type Session struct {
	store Store
	log   *logger.Logger

	mu   sync.Mutex
	last *domain.Identity
}

func New(store Store, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Discard()
	}
	return &Session{store: store, log: log.WithComponent("session")}
}

// Current reads the store on every call, so an identity written by another
// agent sharing the store is seen. If the store fails, the last identity read
// is returned.
func (s *Session) Current(ctx context.Context) (*domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("failed to load identity", slog.String("error", err.Error()))
		id = s.last
	} else {
		s.last = id
	}
	if id == nil {
		return nil, false
	}
	cp := *id
	return &cp, true
}

func (s *Session) Set(ctx context.Context, id domain.Identity) error {
	if !id.OwnerID.Valid() {
		return fmt.Errorf("identity without owner id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, id); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	s.last = &id
	s.log.Info("identity stored",
		slog.String("owner", id.OwnerID.String()),
		slog.String("vehicle", id.VehicleNumber))
	return nil
}

func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	s.last = nil
	return nil
}

// OwnerID is the dashboard's view of the session.
func (s *Session) OwnerID(ctx context.Context) (domain.ID, bool) {
	id, ok := s.Current(ctx)
	if !ok || !id.OwnerID.Valid() {
		return "", false
	}
	return id.OwnerID, true
}
