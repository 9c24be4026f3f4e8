// Package host assembles an installer.Service and its stores from
// configuration. Redis backs locks and the registry when configured;
// otherwise locks are in-process and the registry is a JSON file.
package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/cordum/mpk/core/infra/config"
	"github.com/cordum/mpk/core/infra/history"
	"github.com/cordum/mpk/core/infra/locks"
	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/archive"
	"github.com/cordum/mpk/core/mpk/installer"
	"github.com/cordum/mpk/core/mpk/repository"
)

// Host owns a running installer and the stores it was built with.
type Host struct {
	Service  *installer.Service
	Registry registry.Store
	Locks    locks.Store
	// History is nil without Redis.
	History  history.Store

	closers []func() error
}

// Open builds the repository, stores and installer described by cfg. Extra
// options are applied after the store options.
func Open(cfg *config.Config, options ...installer.Option) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	repo, err := repository.New(cfg.StagingRoot, cfg.InstallRoot)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if err := repo.Sweep(); err != nil {
		logging.Warn("host", "sweep leftovers failed", "error", err)
	}

	h := &Host{}
	if cfg.RedisURL != "" {
		lockStore, err := locks.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis locks: %w", err)
		}
		h.Locks = lockStore
		h.closers = append(h.closers, lockStore.Close)

		regStore, err := registry.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = h.closeStores()
			return nil, fmt.Errorf("connect redis registry: %w", err)
		}
		h.Registry = regStore
		h.closers = append(h.closers, regStore.Close)

		histStore, err := history.NewRedisStore(cfg.RedisURL)
		if err != nil {
			_ = h.closeStores()
			return nil, fmt.Errorf("connect redis history: %w", err)
		}
		h.History = histStore
		h.closers = append(h.closers, histStore.Close)
	} else {
		regStore, err := registry.NewFileStore(cfg.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		h.Locks = locks.NewLocalStore()
		h.Registry = regStore
		h.closers = append(h.closers, regStore.Close)
	}

	opts := installer.Options{
		Workers:            cfg.Workers,
		RequireSignature:   cfg.RequireSignature,
		AllowedPermissions: cfg.AllowedPermissions,
		Platform:           cfg.Platform,
		PlatformVersion:    cfg.PlatformVersion,
		LockTTL:            cfg.LockTTL,
		Limits: archive.Limits{
			MaxFiles:      cfg.Limits.MaxFiles,
			MaxFileBytes:  cfg.Limits.MaxFileBytes,
			MaxTotalBytes: cfg.Limits.MaxTotalBytes,
		},
	}
	all := []installer.Option{
		installer.WithLocks(h.Locks),
		installer.WithRegistry(h.Registry),
	}
	if h.History != nil {
		all = append(all, installer.WithHistory(h.History))
	}
	all = append(all, options...)
	svc, err := installer.New(repo, opts, all...)
	if err != nil {
		_ = h.closeStores()
		return nil, err
	}
	h.Service = svc
	logging.Info("host", "installer ready",
		"install_root", repo.InstallRoot(),
		"workers", cfg.Workers,
		"redis", cfg.RedisURL != "",
	)
	return h, nil
}

// Close drains the installer, then closes the stores.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.Service != nil {
		if err := h.Service.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close installer: %w", err))
		}
	}
	if err := h.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Host) closeStores() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
