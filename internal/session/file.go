package session

import (
	"context"
	"sync"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// FileStore keeps the identity inside the agent's config file. save runs with
// the config lock held, like every other writer of the file.
type FileStore struct {
	cfg  *domain.Config
	mu   *sync.RWMutex
	save func() error
}

func NewFileStore(cfg *domain.Config, mu *sync.RWMutex, save func() error) *FileStore {
	return &FileStore{cfg: cfg, mu: mu, save: save}
}

func (f *FileStore) Load(context.Context) (*domain.Identity, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.cfg.Identity == nil {
		return nil, nil
	}
	id := *f.cfg.Identity
	return &id, nil
}

func (f *FileStore) Save(_ context.Context, id domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Identity = &id
	return f.save()
}

func (f *FileStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg.Identity = nil
	return f.save()
}
