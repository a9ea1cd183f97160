package diskguard

import "github.com/hepic-lab/hepic/pkg/rig"

// WithDiskGuard returns a rig Option that faults the session when free
// space on the output volume drops below cfg.MinFreeMB.
//
// Usage:
//
//	r, err := rig.New(cfg,
//	    diskguard.WithDiskGuard(diskguard.Config{
//	        MinFreeMB:     1024,
//	        CheckInterval: 5 * time.Second,
//	    }),
//	)
func WithDiskGuard(cfg Config) rig.Option {
	plugin := New(cfg)
	return rig.WithPlugin(plugin)
}

// WithDefaultDiskGuard returns a rig Option that enables the disk guard
// with default settings (512 MiB, checked every 5s).
//
// Usage:
//
//	r, err := rig.New(cfg, diskguard.WithDefaultDiskGuard())
func WithDefaultDiskGuard() rig.Option {
	return WithDiskGuard(DefaultConfig())
}
