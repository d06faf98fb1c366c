package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Route binds one tier to a provider and model.
type Route struct {
	Name     string // provider name, for logs and errors
	Provider Provider
	Model    string
}

// Router maps capability tiers to provider+model pairs and implements
// Client on top of them. A request carries a Tier; the Router decides
// what serves it.
//
// An unrouted tier falls back to the medium route, so a config that
// names a single model still serves every tier.
type Router struct {
	routes map[Tier]Route
	logger *slog.Logger
}

// NewRouter creates an empty Router. Bind tiers with Set before use.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes: make(map[Tier]Route),
		logger: logger.With("component", "llm"),
	}
}

// Set binds a tier to a provider and model. Later calls replace
// earlier ones.
func (r *Router) Set(tier Tier, name string, provider Provider, model string) {
	r.routes[tier] = Route{Name: name, Provider: provider, Model: model}
}

// Lookup returns the route that would serve the tier, after fallback.
func (r *Router) Lookup(tier Tier) (Route, error) {
	if tier == "" {
		tier = TierMedium
	}
	if rt, ok := r.routes[tier]; ok && rt.Provider != nil {
		return rt, nil
	}
	if rt, ok := r.routes[TierMedium]; ok && rt.Provider != nil {
		r.logger.Debug("tier not routed, using medium", "tier", tier)
		return rt, nil
	}
	return Route{}, fmt.Errorf("no route for tier %q", tier)
}

// Generate resolves the request's tier and forwards to its provider.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	rt, err := r.Lookup(req.Tier)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("routing request",
		"tier", req.Tier,
		"provider", rt.Name,
		"model", rt.Model,
	)

	resp, err := rt.Provider.Generate(ctx, rt.Model, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rt.Name, err)
	}
	return resp, nil
}

// Ping checks every distinct routed provider and reports the ones
// that fail.
func (r *Router) Ping(ctx context.Context) error {
	type target struct {
		name     string
		provider Provider
	}

	seen := make(map[string]bool)
	var targets []target
	for _, rt := range r.routes {
		if rt.Provider == nil || seen[rt.Name] {
			continue
		}
		seen[rt.Name] = true
		targets = append(targets, target{rt.Name, rt.Provider})
	}
	if len(targets) == 0 {
		return fmt.Errorf("no providers routed")
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	var failed []string
	for _, tg := range targets {
		if err := tg.provider.Ping(ctx); err != nil {
			r.logger.Warn("provider unreachable", "provider", tg.name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", tg.name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("provider ping failed: %s", strings.Join(failed, "; "))
	}
	return nil
}
