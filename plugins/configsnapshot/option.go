package configsnapshot

import "github.com/hepic-lab/hepic/pkg/rig"

// WithConfigSnapshot returns a rig Option that copies cfg.Files into each
// session directory.
//
// Usage:
//
//	r, err := rig.New(cfg,
//	    configsnapshot.WithConfigSnapshot(configsnapshot.Config{
//	        Files: []string{"/home/pi/printer_data/config/printer.cfg"},
//	    }),
//	)
func WithConfigSnapshot(cfg Config) rig.Option {
	plugin := New(cfg)
	return rig.WithPlugin(plugin)
}
