// Package authority implements the gate that every deal action must pass:
// a role quorum over distinct approving actors plus an ordered sequence of
// evidentiary material requirements. Rules are immutable data built once at
// construction; evaluation is a pure function of its inputs.
package authority

import (
	"fmt"
	"sort"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
)

// Rule is the quorum requirement of one action: at least Threshold distinct
// actors whose role is in RolesAllowed.
type Rule struct {
	RolesAllowed []deal.Role `json:"roles"`
	Threshold    int         `json:"threshold"`
}

// MaterialRequirement demands one material type at a minimum truth class.
// Requirements are checked in declared order and the first failure wins.
type MaterialRequirement struct {
	Type          string          `json:"type"`
	RequiredTruth deal.TruthClass `json:"truth"`
}

// Ruleset is the immutable authority configuration: per-action quorum rules,
// material requirements, and optional override rules. Overrides replace the
// quorum and material checks with a stricter quorum; actions without an
// override rule fail closed when an override is attempted.
type Ruleset struct {
	version   string
	rules     map[deal.Action]Rule
	materials map[deal.Action][]MaterialRequirement
	overrides map[deal.Action]Rule
	hash      string
}

// NewRuleset builds an immutable ruleset and computes its content hash.
// The hash binds explain results and proof packs to the exact configuration
// they were evaluated under.
func NewRuleset(version string, rules map[deal.Action]Rule, materials map[deal.Action][]MaterialRequirement, overrides map[deal.Action]Rule) (*Ruleset, error) {
	rs := &Ruleset{
		version:   version,
		rules:     make(map[deal.Action]Rule, len(rules)),
		materials: make(map[deal.Action][]MaterialRequirement, len(materials)),
		overrides: make(map[deal.Action]Rule, len(overrides)),
	}
	for action, rule := range rules {
		if rule.Threshold < 1 {
			return nil, fmt.Errorf("authority: rule for %s: threshold must be >= 1", action)
		}
		if len(rule.RolesAllowed) == 0 {
			return nil, fmt.Errorf("authority: rule for %s: at least one role required", action)
		}
		for _, role := range rule.RolesAllowed {
			if !role.Valid() {
				return nil, fmt.Errorf("authority: rule for %s: unknown role %q", action, role)
			}
		}
		rs.rules[action] = rule
	}
	for action, reqs := range materials {
		if _, ok := rs.rules[action]; !ok {
			return nil, fmt.Errorf("authority: material requirements for %s without a quorum rule", action)
		}
		for _, req := range reqs {
			if req.Type == "" {
				return nil, fmt.Errorf("authority: material requirement for %s: empty type", action)
			}
			if !req.RequiredTruth.Valid() {
				return nil, fmt.Errorf("authority: material requirement for %s: unknown truth class %q", action, req.RequiredTruth)
			}
		}
		rs.materials[action] = reqs
	}
	for action, rule := range overrides {
		base, ok := rs.rules[action]
		if !ok {
			return nil, fmt.Errorf("authority: override for %s without a base rule", action)
		}
		if rule.Threshold < base.Threshold {
			return nil, fmt.Errorf("authority: override for %s is weaker than the base rule", action)
		}
		for _, role := range rule.RolesAllowed {
			if !role.Valid() {
				return nil, fmt.Errorf("authority: override for %s: unknown role %q", action, role)
			}
		}
		rs.overrides[action] = rule
	}

	hash, err := rs.computeHash()
	if err != nil {
		return nil, err
	}
	rs.hash = hash
	return rs, nil
}

// Rule returns the quorum rule for an action.
func (rs *Ruleset) Rule(action deal.Action) (Rule, bool) {
	rule, ok := rs.rules[action]
	return rule, ok
}

// Requirements returns the ordered material requirements for an action.
// A nil slice means the action needs no materials.
func (rs *Ruleset) Requirements(action deal.Action) []MaterialRequirement {
	return rs.materials[action]
}

// OverrideRule returns the override quorum rule for an action, if one exists.
func (rs *Ruleset) OverrideRule(action deal.Action) (Rule, bool) {
	rule, ok := rs.overrides[action]
	return rule, ok
}

// Version returns the profile version the ruleset was built from.
func (rs *Ruleset) Version() string {
	return rs.version
}

// Hash returns the content hash of the ruleset, prefixed "sha256:".
func (rs *Ruleset) Hash() string {
	return rs.hash
}

// Actions returns every action with a quorum rule, sorted for stable output.
func (rs *Ruleset) Actions() []deal.Action {
	out := make([]deal.Action, 0, len(rs.rules))
	for action := range rs.rules {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Profile returns the serializable description of the ruleset. Round-trips
// through ParseProfile, and its canonical hash is the ruleset hash, so an
// exported profile is enough to recompute and check the hash offline.
func (rs *Ruleset) Profile() Profile {
	p := Profile{
		Version: rs.version,
		Rules:   make(map[string]ProfileRule, len(rs.rules)),
	}
	for action, rule := range rs.rules {
		pr := ProfileRule{Roles: toRoleNames(rule.RolesAllowed), Threshold: rule.Threshold}
		for _, req := range rs.materials[action] {
			pr.Materials = append(pr.Materials, ProfileMaterial{Type: req.Type, Truth: string(req.RequiredTruth)})
		}
		if override, ok := rs.overrides[action]; ok {
			pr.Override = &ProfileOverride{Roles: toRoleNames(override.RolesAllowed), Threshold: override.Threshold}
		}
		p.Rules[string(action)] = pr
	}
	return p
}

func (rs *Ruleset) computeHash() (string, error) {
	hash, err := canonical.Hash(rs.Profile())
	if err != nil {
		return "", fmt.Errorf("authority: ruleset hash: %w", err)
	}
	return "sha256:" + hash, nil
}

func toRoleNames(roles []deal.Role) []string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return names
}

// DefaultRuleset returns the built-in authority profile. It mirrors the
// production defaults: GP quorum of two for deal approval backed by a
// human-attested underwriting summary, document-exact wire and formation
// evidence for closing, and regulator or counsel sign-off to lift a freeze.
func DefaultRuleset() *Ruleset {
	rs, err := NewRuleset(
		"1.0.0",
		map[deal.Action]Rule{
			deal.ActionOpenReview:         {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleAnalyst}, Threshold: 1},
			deal.ActionApproveDeal:        {RolesAllowed: []deal.Role{deal.RoleGP}, Threshold: 2},
			deal.ActionAttestReadyToClose: {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleCounsel}, Threshold: 1},
			deal.ActionFinalizeClosing:    {RolesAllowed: []deal.Role{deal.RoleGP}, Threshold: 1},
			deal.ActionActivateOperations: {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleAdmin}, Threshold: 1},
			deal.ActionDeclareDistress:    {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleAnalyst, deal.RoleAdmin}, Threshold: 1},
			deal.ActionResolveDistress:    {RolesAllowed: []deal.Role{deal.RoleGP}, Threshold: 1},
			deal.ActionImposeFreeze:       {RolesAllowed: []deal.Role{deal.RoleRegulator, deal.RoleCounsel, deal.RoleAdmin}, Threshold: 1},
			deal.ActionLiftFreeze:         {RolesAllowed: []deal.Role{deal.RoleRegulator, deal.RoleCounsel}, Threshold: 1},
			deal.ActionFinalizeExit:       {RolesAllowed: []deal.Role{deal.RoleGP}, Threshold: 2},
			deal.ActionTerminateDeal:      {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleCounsel}, Threshold: 2},
		},
		map[deal.Action][]MaterialRequirement{
			deal.ActionApproveDeal: {
				{Type: "UnderwritingSummary", RequiredTruth: deal.TruthHuman},
			},
			deal.ActionFinalizeClosing: {
				{Type: "WireConfirmation", RequiredTruth: deal.TruthDoc},
				{Type: "EntityFormationDocs", RequiredTruth: deal.TruthDoc},
			},
			deal.ActionResolveDistress: {
				{Type: "DistressResolutionPlan", RequiredTruth: deal.TruthHuman},
			},
			deal.ActionFinalizeExit: {
				{Type: "ExitSettlementStatement", RequiredTruth: deal.TruthDoc},
			},
		},
		map[deal.Action]Rule{
			deal.ActionApproveDeal:     {RolesAllowed: []deal.Role{deal.RoleGP}, Threshold: 3},
			deal.ActionFinalizeClosing: {RolesAllowed: []deal.Role{deal.RoleGP, deal.RoleCounsel}, Threshold: 3},
		},
	)
	if err != nil {
		panic(fmt.Sprintf("authority: default ruleset invalid: %v", err))
	}
	return rs
}
