package widget

import (
	"net/url"
	"strings"
)

// Config is the host-page widget configuration. All values are strings;
// an empty value means "unset" and is never serialized into the embed URL.
type Config struct {
	PropertyID string `json:"propertyId,omitempty"`
	Theme      string `json:"theme,omitempty"`
	Position   string `json:"position,omitempty"`
}

// Merge overlays the set fields of partial onto c.
func (c Config) Merge(partial Config) Config {
	if partial.PropertyID != "" {
		c.PropertyID = partial.PropertyID
	}
	if partial.Theme != "" {
		c.Theme = partial.Theme
	}
	if partial.Position != "" {
		c.Position = partial.Position
	}
	return c
}

// Values returns the configuration as URL query values, skipping unset
// entries so the embed URL never carries null-valued keys.
func (c Config) Values() url.Values {
	v := url.Values{}
	if c.PropertyID != "" {
		v.Set("propertyId", c.PropertyID)
	}
	if c.Theme != "" {
		v.Set("theme", c.Theme)
	}
	if c.Position != "" {
		v.Set("position", c.Position)
	}
	return v
}

// ConfigFromValues reads a configuration back out of query values, the
// inverse of Values. Unknown keys are ignored.
func ConfigFromValues(v url.Values) Config {
	return Config{
		PropertyID: v.Get("propertyId"),
		Theme:      v.Get("theme"),
		Position:   v.Get("position"),
	}
}

// EmbedURL computes the iframe target for the embedded widget page: the
// base path plus every set configuration entry as a query parameter.
func EmbedURL(base string, cfg Config) string {
	q := cfg.Values().Encode()
	if q == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q
}
