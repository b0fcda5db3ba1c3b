package usecase

import (
	"context"
	"log/slog"
	"sync"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
	"github.com/khaliullov/scanmycar-agent/internal/logger"
)

// RememberedPermission asks the user once. A grant is kept in the config
// file; any other answer is returned without being stored, so the next
// explicit request prompts again.
type RememberedPermission struct {
	prompt PermissionRequester
	cfg    *domain.Config
	mu     *sync.RWMutex
	save   func() error
	log    *logger.Logger
}

func NewRememberedPermission(prompt PermissionRequester, cfg *domain.Config, mu *sync.RWMutex, save func() error, log *logger.Logger) *RememberedPermission {
	if log == nil {
		log = logger.Discard()
	}
	return &RememberedPermission{prompt: prompt, cfg: cfg, mu: mu, save: save, log: log.WithComponent("permission")}
}

func (p *RememberedPermission) Current() domain.Permission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cfg.Permission == "" {
		return domain.PermissionDefault
	}
	return p.cfg.Permission
}

func (p *RememberedPermission) RequestPermission(ctx context.Context) (domain.Permission, error) {
	if p.Current() == domain.PermissionGranted {
		return domain.PermissionGranted, nil
	}
	perm, err := p.prompt.RequestPermission(ctx)
	if err != nil {
		return domain.PermissionDefault, err
	}
	p.log.Info("permission answered", slog.String("permission", string(perm)))
	if perm != domain.PermissionGranted {
		return perm, nil
	}

	p.mu.Lock()
	p.cfg.Permission = domain.PermissionGranted
	err = p.save()
	p.mu.Unlock()
	if err != nil {
		p.log.LogError(err, "failed to persist permission")
	}
	return perm, nil
}

// Revoke forgets a grant.
func (p *RememberedPermission) Revoke() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Permission = domain.PermissionDefault
	return p.save()
}
