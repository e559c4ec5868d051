package router

import (
	"strings"

	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/config"
	"github.com/antonylocke2019-cmd/halotasker-claude-api/pkg/models"
)

// Route is a resolved model selector: the profile to call first and an
// optional fallback to retry against when the upstream does not know it.
type Route struct {
	Requested   string
	Profile     models.ModelProfile
	Fallback    *models.ModelProfile
	Substituted bool
}

// Router maps friendly aliases and raw model ids to model profiles.
type Router struct {
	cfg config.ModelsConfig
}

// New creates a Router from the given model configuration.
func New(cfg config.ModelsConfig) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns the route for a selector. Blank, unknown and disabled
// selectors resolve to the default tier with Substituted set; resolution
// never fails.
func (r *Router) Resolve(selector string) Route {
	route := Route{Requested: strings.TrimSpace(selector)}

	p, ok := r.usable(route.Requested)
	if !ok {
		p = r.Default()
		route.Substituted = true
	}
	route.Profile = p

	if fb, ok := r.cfg.Lookup(r.cfg.Fallback); ok && fb.ModelID != p.ModelID {
		route.Fallback = &fb
	}
	return route
}

// Default returns the configured default tier. Config validation
// guarantees it exists.
func (r *Router) Default() models.ModelProfile {
	p, _ := r.cfg.Lookup(r.cfg.Default)
	return p
}

// Profiles lists every configured profile, gated or not.
func (r *Router) Profiles() []models.ModelProfile {
	return r.cfg.Profiles
}

// Available lists the profiles that can currently be selected.
func (r *Router) Available() []models.ModelProfile {
	out := make([]models.ModelProfile, 0, len(r.cfg.Profiles))
	for _, p := range r.cfg.Profiles {
		if p.Gated && !r.cfg.DeepEnabled {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Modes returns the tier names of the available profiles.
func (r *Router) Modes() []string {
	avail := r.Available()
	out := make([]string, len(avail))
	for i, p := range avail {
		out[i] = p.Name
	}
	return out
}

// DeepEnabled reports whether gated tiers are served.
func (r *Router) DeepEnabled() bool {
	return r.cfg.DeepEnabled
}

func (r *Router) usable(key string) (models.ModelProfile, bool) {
	p, ok := r.cfg.Lookup(key)
	if !ok || (p.Gated && !r.cfg.DeepEnabled) {
		return models.ModelProfile{}, false
	}
	return p, true
}
