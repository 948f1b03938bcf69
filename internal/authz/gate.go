package authz

import (
	"sort"

	"github.com/astraguard/keygate/internal/auth/apikey"
	"github.com/astraguard/keygate/internal/observability"
)

// Gate checks permission scopes on validated API keys.
type Gate struct {
	// implied maps a held permission to every permission it grants,
	// itself excluded.
	implied map[string]map[string]struct{}
	logger  observability.Logger
	metrics *Metrics
}

// GateOption is a functional option for configuring the gate.
type GateOption func(*Gate)

// WithImplications sets which permissions grant others. Implications are
// transitive and cycles are tolerated.
func WithImplications(implications map[string][]string) GateOption {
	return func(g *Gate) {
		g.implied = expandImplications(implications)
	}
}

// WithGateLogger sets the logger for the gate.
func WithGateLogger(logger observability.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithGateMetrics sets the metrics for the gate.
func WithGateMetrics(metrics *Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = metrics
	}
}

// NewGate creates a new authorization gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		implied: map[string]map[string]struct{}{},
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.metrics == nil {
		g.metrics = NewMetrics("keygate")
	}

	return g
}

// Has reports whether the key holds the permission directly or through an
// implication.
func (g *Gate) Has(key *apikey.APIKey, permission string) bool {
	if key == nil {
		return false
	}
	if key.HasPermission(permission) {
		return true
	}
	for _, held := range key.Permissions() {
		if _, ok := g.implied[held][permission]; ok {
			return true
		}
	}
	return false
}

// Require returns the key if it holds the permission.
func (g *Gate) Require(permission string, key *apikey.APIKey) (*apikey.APIKey, error) {
	if key == nil {
		return nil, apikey.ErrUnauthenticated
	}

	allowed := g.Has(key, permission)
	g.metrics.RecordDecision(permission, allowed)
	if !allowed {
		g.logger.Debug("permission denied",
			observability.String("key_id", key.ID),
			observability.String("permission", permission),
		)
		return nil, newForbiddenError(key.ID, permission)
	}
	return key, nil
}

// RequireAll returns the key if it holds every permission. The error names
// the first missing one.
func (g *Gate) RequireAll(key *apikey.APIKey, permissions ...string) (*apikey.APIKey, error) {
	if key == nil {
		return nil, apikey.ErrUnauthenticated
	}
	for _, p := range permissions {
		if _, err := g.Require(p, key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// RequireAny returns the key if it holds at least one of the permissions.
// An empty list always denies.
func (g *Gate) RequireAny(key *apikey.APIKey, permissions ...string) (*apikey.APIKey, error) {
	if key == nil {
		return nil, apikey.ErrUnauthenticated
	}
	for _, p := range permissions {
		if g.Has(key, p) {
			g.metrics.RecordDecision(p, true)
			return key, nil
		}
	}

	g.logger.Debug("permission denied",
		observability.String("key_id", key.ID),
		observability.Strings("any_of", permissions),
	)
	for _, p := range permissions {
		g.metrics.RecordDecision(p, false)
	}
	return nil, newForbiddenError(key.ID, permissions...)
}

// Effective returns the sorted set of permissions the key holds once
// implications are applied.
func (g *Gate) Effective(key *apikey.APIKey) []string {
	if key == nil {
		return nil
	}

	set := make(map[string]struct{})
	for _, held := range key.Permissions() {
		set[held] = struct{}{}
		for p := range g.implied[held] {
			set[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// expandImplications computes the transitive closure of each entry.
func expandImplications(implications map[string][]string) map[string]map[string]struct{} {
	expanded := make(map[string]map[string]struct{}, len(implications))

	var expand func(root, perm string, visited map[string]bool)
	expand = func(root, perm string, visited map[string]bool) {
		if visited[perm] {
			return
		}
		visited[perm] = true

		for _, child := range implications[perm] {
			if child != root {
				expanded[root][child] = struct{}{}
			}
			expand(root, child, visited)
		}
	}

	for perm := range implications {
		expanded[perm] = make(map[string]struct{})
		expand(perm, perm, make(map[string]bool))
	}
	return expanded
}
