package sandbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"safe-code-runner/internal/config"
	"safe-code-runner/internal/runtime"
)

// NewLauncher builds the launcher selected by cfg.Sandbox.Backend.
func NewLauncher(ctx context.Context, cfg *config.Config, registry *runtime.Registry) (Launcher, error) {
	switch cfg.Sandbox.Backend {
	case "", "process":
		iso := cfg.Sandbox.Isolation
		return NewProcessLauncher(ProcessOptions{
			HelperPath:    iso.HelperPath,
			Namespaces:    iso.Namespaces,
			UID:           iso.RunAsUID,
			GID:           iso.RunAsGID,
			CgroupRoot:    iso.CgroupRoot,
			Seccomp:       iso.Seccomp,
			Path:          iso.Path,
			TmpfsDirs:     iso.TmpfsDirs,
			TmpfsSize:     iso.TmpfsSizeMB << 20,
			MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		})
	case "containerd":
		return newContainerdBackend(ctx, cfg, registry)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be process or containerd", cfg.Sandbox.Backend)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, registry *runtime.Registry) (Launcher, error) {
	cc := cfg.Sandbox.Containerd
	client, err := NewClient(ctx, cc.Socket, cc.Namespace)
	if err != nil {
		return nil, err
	}

	if cc.PrefetchImages {
		images := registry.Images()
		log.Info().Strs("images", images).Msg("prefetching language images")
		if err := client.PrefetchImages(ctx, images); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	l, err := NewContainerdLauncher(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return l, nil
}

// DispatcherConfigFrom maps the sandbox section of the service config.
func DispatcherConfigFrom(sc config.SandboxConfig) DispatcherConfig {
	return DispatcherConfig{
		MaxConcurrent:    sc.MaxConcurrent,
		QueueDepth:       sc.QueueDepth,
		Policy:           QueuePolicy(sc.QueuePolicy),
		QueueWaitTimeout: sc.QueueWaitTimeout,
		DefaultWallTime:  sc.DefaultWallTime,
		MaxWallTime:      sc.MaxWallTime,
		MaxCodeBytes:     sc.MaxCodeBytes,
		WorkspaceRoot:    sc.WorkspaceRoot,
	}
}
