// Package resource defines the instance model curfew governs.
package resource

import (
	"sort"
	"time"
)

// Tag is a single provider key/value tag.
type Tag struct {
	Key   string `json:"key" toml:"key" yaml:"key" validate:"required"`
	Value string `json:"value" toml:"value" yaml:"value"`
}

// Instance is a running compute instance as reported by the provider.
type Instance struct {
	ID         string            `json:"id"`          // Provider identifier (e.g., "i-abc123")
	Name       string            `json:"name"`        // Value of the Name tag
	State      string            `json:"state"`       // Provider state (e.g., "running")
	Region     string            `json:"region"`      // Region the instance lives in
	LaunchTime time.Time         `json:"launch_time"` // When the instance started running
	Labels     map[string]string `json:"labels"`      // Provider tags
}

// Tag returns the value of the tag with the given key, or "".
func (i Instance) Tag(key string) string {
	if i.Labels == nil {
		return ""
	}
	return i.Labels[key]
}

// Tags returns the instance tags as key-sorted pairs.
func (i Instance) Tags() []Tag {
	tags := make([]Tag, 0, len(i.Labels))
	for k, v := range i.Labels {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(a, b int) bool { return tags[a].Key < tags[b].Key })
	return tags
}

// RunningFor returns how long the instance has been up at now.
func (i Instance) RunningFor(now time.Time) time.Duration {
	if i.LaunchTime.IsZero() {
		return 0
	}
	return now.Sub(i.LaunchTime)
}
