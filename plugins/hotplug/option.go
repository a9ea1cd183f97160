package hotplug

import "github.com/hepic-lab/hepic/pkg/rig"

// WithHotplug returns a rig Option that reports unplugged devices through
// udev. Sources opt in with their hotplug key or a /dev device path.
//
// Usage:
//
//	r, err := rig.New(cfg, hotplug.WithHotplug())
func WithHotplug() rig.Option {
	return rig.WithPlugin(New())
}
