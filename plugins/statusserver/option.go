package statusserver

import "github.com/hepic-lab/hepic/pkg/rig"

// WithStatusServer returns a rig Option that serves the session status API.
//
// Usage:
//
//	r, err := rig.New(cfg,
//	    statusserver.WithStatusServer(statusserver.Config{Addr: ":8090"}),
//	)
func WithStatusServer(cfg Config) rig.Option {
	return rig.WithPlugin(New(cfg))
}

var _ rig.Plugin = (*Plugin)(nil)
