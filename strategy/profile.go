package strategy

import (
	"fmt"
	"net/http"
	"time"
)

// Mode orders the consultation of network and cache.
type Mode string

const (
	NetworkFirst         Mode = "network-first"
	CacheFirst           Mode = "cache-first"
	StaleWhileRevalidate Mode = "stale-while-revalidate"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case NetworkFirst, CacheFirst, StaleWhileRevalidate:
		return m, nil
	default:
		return "", fmt.Errorf("unknown strategy mode %q", s)
	}
}

// Profile is the caching policy for one resource category. The profile
// name is also the content store its responses are kept in.
type Profile struct {
	Name           string        `json:"name"`
	Mode           Mode          `json:"mode"`
	MaxAge         time.Duration `json:"maxAge"`
	MaxEntries     int           `json:"maxEntries"`
	NetworkTimeout time.Duration `json:"networkTimeout,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
}

// DefaultCategory is used when a fetch names no category.
const DefaultCategory = "api"

// DefaultProfiles returns the built-in profiles.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"api": {
			Name:           "api",
			Mode:           NetworkFirst,
			MaxAge:         5 * time.Minute,
			MaxEntries:     200,
			NetworkTimeout: 3 * time.Second,
			Tags:           []string{"api"},
		},
		"images": {
			Name:       "images",
			Mode:       CacheFirst,
			MaxAge:     30 * 24 * time.Hour,
			MaxEntries: 500,
			Tags:       []string{"images"},
		},
		"marketplace": {
			Name:       "marketplace",
			Mode:       StaleWhileRevalidate,
			MaxAge:     10 * time.Minute,
			MaxEntries: 300,
			Tags:       []string{"marketplace"},
		},
		"feed": {
			Name:           "feed",
			Mode:           NetworkFirst,
			MaxAge:         time.Minute,
			MaxEntries:     100,
			NetworkTimeout: 3 * time.Second,
			Tags:           []string{"feed"},
		},
		"static": {
			Name:       "static",
			Mode:       CacheFirst,
			MaxAge:     7 * 24 * time.Hour,
			MaxEntries: 200,
			Tags:       []string{"static"},
		},
	}
}

// FetchOptions are the per-call overrides of a profile.
type FetchOptions struct {
	// Category selects the profile (default: "api").
	Category string
	Mode     Mode
	MaxAge   time.Duration
	// MaxEntries caps the category after this write. Zero keeps the
	// profile's limit.
	MaxEntries int
	// Tags are added to the profile's tags.
	Tags []string
	// UserScope is used when the access validator does not supply one.
	UserScope      string
	NetworkTimeout time.Duration
	// KeyParams are request options that change the cached representation.
	KeyParams map[string]string
	// Header is forwarded on network fetches.
	Header http.Header
}

// resolve applies opts to the profile for the category.
func (e *Engine) resolve(opts FetchOptions) (Profile, error) {
	name := opts.Category
	if name == "" {
		name = DefaultCategory
	}
	p, ok := e.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown cache category %q", name)
	}
	if opts.Mode != "" {
		p.Mode = opts.Mode
	}
	if opts.MaxAge > 0 {
		p.MaxAge = opts.MaxAge
	}
	if opts.MaxEntries > 0 {
		p.MaxEntries = opts.MaxEntries
	}
	if opts.NetworkTimeout > 0 {
		p.NetworkTimeout = opts.NetworkTimeout
	}
	if p.NetworkTimeout <= 0 {
		p.NetworkTimeout = defaultNetworkTimeout
	}
	if len(opts.Tags) > 0 {
		p.Tags = mergeTags(p.Tags, opts.Tags)
	}
	return p, nil
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string(nil), a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
