// Package setup builds a ready-to-use omniuri.Registry from a loaded
// configuration: backends in dispatch order, the transfer matrix, the
// hash cache and the registry defaults.
package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/mitchellh/mapstructure"

	"github.com/grokify/omniuri"
	"github.com/grokify/omniuri/backend/file"
	httpbackend "github.com/grokify/omniuri/backend/http"
	"github.com/grokify/omniuri/backend/memory"
	"github.com/grokify/omniuri/backend/s3"
	"github.com/grokify/omniuri/backend/sftp"
	"github.com/grokify/omniuri/config"
	"github.com/grokify/omniuri/hashcache"
)

// Runtime is a configured registry plus the resources it owns.
type Runtime struct {
	Registry  *omniuri.Registry
	HashCache *hashcache.Cache
	Logger    *slog.Logger
}

// Close closes every backend and the hash cache.
func (rt *Runtime) Close() error {
	var errs []error
	if err := rt.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if rt.HashCache != nil {
		if err := rt.HashCache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds a Runtime. Backends are registered in the order s3, sftp,
// http, mem, local: the local backend accepts any path and must come last.
// SFTP is only registered when a host is configured.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slogutil.Null()
	}

	cache, err := openHashCache(cfg.HashCache, logger)
	if err != nil {
		return nil, err
	}

	opts := omniuri.Options{
		Logger: logger,
		Lock: omniuri.LockOptions{
			Timeout:      cfg.Lock.Timeout,
			PollInterval: cfg.Lock.PollInterval,
		},
		MaxDepth:       cfg.Localize.MaxDepth,
		DefaultTarget:  cfg.Localize.DefaultTarget,
		BandwidthLimit: cfg.Transfer.BandwidthLimit,
		TempDir:        cfg.Transfer.TempDir,
		RmdirWorkers:   cfg.Rmdir.Workers,
	}
	if cache != nil {
		opts.HashCache = cache
	}
	rt := &Runtime{
		Registry:  omniuri.NewRegistry(opts),
		HashCache: cache,
		Logger:    logger,
	}

	if err := register(rt.Registry, cfg, logger); err != nil {
		return nil, errors.Join(err, rt.Close())
	}
	wireTransfers(rt.Registry, cfg.Transfer.Staged)

	logger.Debug("registry ready",
		slog.Any("backends", rt.Registry.Backends()),
		slog.String("hash_cache", cfg.HashCache.Type))
	return rt, nil
}

func openHashCache(cfg config.HashCacheConfig, logger *slog.Logger) (*hashcache.Cache, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return hashcache.New(hashcache.Config{InMemory: true, Logger: logger})
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("hash cache directory: %w", err)
		}
		return hashcache.New(hashcache.Config{Path: cfg.Path, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown hash cache type %q", cfg.Type)
	}
}

func register(reg *omniuri.Registry, cfg *config.Config, logger *slog.Logger) error {
	b := cfg.Backends

	if !b.S3.Disabled {
		s3cfg := s3.ConfigFromMap(stringOptions(b.S3.Options))
		if len(b.S3.Options) == 0 {
			s3cfg = s3.ConfigFromEnv()
		}
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return fmt.Errorf("s3 backend: %w", err)
		}
		reg.Register(omniuri.Descriptor{Backend: backend, LocPrefix: b.S3.LocPrefix})
	}

	if !b.SFTP.Disabled {
		sftpcfg := sftp.ConfigFromMap(stringOptions(b.SFTP.Options))
		if sftpcfg.Host != "" {
			backend, err := sftp.New(sftpcfg)
			if err != nil {
				return fmt.Errorf("sftp backend: %w", err)
			}
			reg.Register(omniuri.Descriptor{Backend: backend, LocPrefix: b.SFTP.LocPrefix})
		}
	}

	if !b.HTTP.Disabled {
		httpcfg := httpbackend.DefaultConfig()
		if err := decode(b.HTTP.Options, &httpcfg); err != nil {
			return fmt.Errorf("http backend: %w", err)
		}
		reg.Register(omniuri.Descriptor{Backend: httpbackend.New(httpcfg), LocPrefix: b.HTTP.LocPrefix})
	}

	if !b.Memory.Disabled {
		var memcfg memory.Config
		if err := decode(b.Memory.Options, &memcfg); err != nil {
			return fmt.Errorf("memory backend: %w", err)
		}
		memcfg.Logger = logger
		reg.Register(omniuri.Descriptor{Backend: memory.New(memcfg), LocPrefix: b.Memory.LocPrefix})
	}

	if !b.Local.Disabled {
		filecfg := file.ConfigFromMap(stringOptions(b.Local.Options))
		reg.Register(omniuri.Descriptor{Backend: file.New(filecfg), LocPrefix: b.Local.LocPrefix})
	}
	return nil
}

// wireTransfers fills the transfer matrix. Native transfers are registered
// first; every remaining pair streams, or goes through a local staging
// file when staged is set and neither end is local. Read-only backends are
// never a destination, so copies to them fail as unsupported transfers.
func wireTransfers(reg *omniuri.Registry, staged bool) {
	m := reg.Transfers()
	tags := reg.Backends()

	for _, tag := range tags {
		backend, _ := reg.Backend(tag)
		switch b := backend.(type) {
		case *file.Backend:
			m.RegisterPush(tag, tag, b.Transfer)
		case *memory.Backend:
			m.RegisterPush(tag, tag, b.Transfer)
		case *s3.Backend:
			m.RegisterPush(tag, tag, b.Transfer)
			for _, src := range tags {
				if other, _ := reg.Backend(src); isLocal(other) {
					m.RegisterPull(tag, src, b.UploadFile)
				}
			}
		}
	}

	for _, src := range tags {
		srcBackend, _ := reg.Backend(src)
		for _, dst := range tags {
			if m.Supports(src, dst) {
				continue
			}
			dstBackend, _ := reg.Backend(dst)
			if omniuri.FeaturesOf(dstBackend).ReadOnly {
				continue
			}
			if staged && !isLocal(srcBackend) && !isLocal(dstBackend) && hasLocal(reg) {
				m.RegisterPush(src, dst, reg.StagedTransfer)
				continue
			}
			m.RegisterPush(src, dst, reg.StreamTransfer)
		}
	}
}

func isLocal(b omniuri.Backend) bool {
	_, ok := b.(*file.Backend)
	return ok
}

func hasLocal(reg *omniuri.Registry) bool {
	for _, tag := range reg.Backends() {
		if b, _ := reg.Backend(tag); isLocal(b) {
			return true
		}
	}
	return false
}

// stringOptions flattens a YAML options map for the backends that parse
// string maps.
func stringOptions(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// decode maps an options map onto a backend config struct, accepting
// duration strings and loosely typed scalars.
func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
