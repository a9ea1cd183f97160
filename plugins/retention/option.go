package retention

import "github.com/hepic-lab/hepic/pkg/rig"

// WithRetention returns a rig Option that keeps only the newest
// cfg.KeepSessions session directories.
//
// Usage:
//
//	r, err := rig.New(cfg,
//	    retention.WithRetention(retention.Config{KeepSessions: 10}),
//	)
func WithRetention(cfg Config) rig.Option {
	plugin := New(cfg)
	return rig.WithPlugin(plugin)
}
