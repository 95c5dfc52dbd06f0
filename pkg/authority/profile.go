package authority

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/keel/pkg/deal"
)

// profileConstraint gates which profile schema versions this build accepts.
const profileConstraint = "^1"

// Profile is the serializable form of an authority ruleset: the YAML schema
// operators write, the shape proof packs export, and the document the ruleset
// content hash is computed over. Example:
//
//	version: "1.2.0"
//	rules:
//	  APPROVE_DEAL:
//	    roles: [GP]
//	    threshold: 2
//	    materials:
//	      - type: UnderwritingSummary
//	        truth: HUMAN
//	    override:
//	      roles: [GP]
//	      threshold: 3
type Profile struct {
	Version string                 `yaml:"version" json:"version"`
	Rules   map[string]ProfileRule `yaml:"rules" json:"rules"`
}

// ProfileRule is one action's entry in a profile.
type ProfileRule struct {
	Roles     []string          `yaml:"roles" json:"roles"`
	Threshold int               `yaml:"threshold" json:"threshold"`
	Materials []ProfileMaterial `yaml:"materials,omitempty" json:"materials,omitempty"`
	Override  *ProfileOverride  `yaml:"override,omitempty" json:"override,omitempty"`
}

// ProfileMaterial is one material requirement in declared order.
type ProfileMaterial struct {
	Type  string `yaml:"type" json:"type"`
	Truth string `yaml:"truth" json:"truth"`
}

// ProfileOverride is the stricter quorum that replaces the base checks when
// an override is requested.
type ProfileOverride struct {
	Roles     []string `yaml:"roles" json:"roles"`
	Threshold int      `yaml:"threshold" json:"threshold"`
}

// LoadProfile reads a rules profile from disk and builds a ruleset from it.
func LoadProfile(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority: load profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile builds a ruleset from profile YAML. The profile version must
// satisfy the supported constraint and every action must be known to the
// state machine, so a typo in an action name fails loading instead of
// silently creating an unreachable rule.
func ParseProfile(data []byte) (*Ruleset, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("authority: parse profile: %w", err)
	}

	if p.Version == "" {
		return nil, fmt.Errorf("authority: profile version is required")
	}
	version, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("authority: profile version %q: %w", p.Version, err)
	}
	constraint, err := semver.NewConstraint(profileConstraint)
	if err != nil {
		return nil, fmt.Errorf("authority: profile constraint: %w", err)
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("authority: profile version %s does not satisfy %s", p.Version, profileConstraint)
	}

	rules := make(map[deal.Action]Rule, len(p.Rules))
	materials := make(map[deal.Action][]MaterialRequirement)
	overrides := make(map[deal.Action]Rule)

	for name, pr := range p.Rules {
		action := deal.Action(name)
		if !deal.KnownAction(action) {
			return nil, fmt.Errorf("authority: profile rule for unknown action %q", name)
		}
		rules[action] = Rule{RolesAllowed: toRoles(pr.Roles), Threshold: pr.Threshold}
		if len(pr.Materials) > 0 {
			reqs := make([]MaterialRequirement, len(pr.Materials))
			for i, pm := range pr.Materials {
				reqs[i] = MaterialRequirement{Type: pm.Type, RequiredTruth: deal.TruthClass(pm.Truth)}
			}
			materials[action] = reqs
		}
		if pr.Override != nil {
			overrides[action] = Rule{RolesAllowed: toRoles(pr.Override.Roles), Threshold: pr.Override.Threshold}
		}
	}

	return NewRuleset(p.Version, rules, materials, overrides)
}

func toRoles(names []string) []deal.Role {
	roles := make([]deal.Role, len(names))
	for i, name := range names {
		roles[i] = deal.Role(name)
	}
	return roles
}
