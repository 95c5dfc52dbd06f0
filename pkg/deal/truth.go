package deal

// TruthClass is the evidentiary strength of a material.
type TruthClass string

const (
	// TruthAI marks machine-derived material, the weakest class.
	TruthAI TruthClass = "AI"
	// TruthHuman marks human-attested material.
	TruthHuman TruthClass = "HUMAN"
	// TruthDoc marks document-backed material, the strongest class.
	TruthDoc TruthClass = "DOC"
)

// Rank returns the position of the class in the fixed total order
// AI < HUMAN < DOC. Unknown or absent classes rank 0 and never satisfy
// any requirement.
func (c TruthClass) Rank() int {
	switch c {
	case TruthAI:
		return 1
	case TruthHuman:
		return 2
	case TruthDoc:
		return 3
	default:
		return 0
	}
}

// Valid reports whether c is one of the three known classes.
func (c TruthClass) Valid() bool {
	return c.Rank() > 0
}

// Sufficient reports whether material of class c satisfies a requirement of
// class required. Document-gated requirements accept only DOC exactly; lower
// requirements accept any class of equal or higher rank.
func (c TruthClass) Sufficient(required TruthClass) bool {
	if required == TruthDoc {
		return c == TruthDoc
	}
	return c.Rank() >= required.Rank() && c.Rank() > 0
}

// Role identifies the capacity in which an actor approves or acts.
type Role string

const (
	RoleGP        Role = "GP"
	RoleAnalyst   Role = "Analyst"
	RoleLP        Role = "LP"
	RoleRegulator Role = "Regulator"
	RoleCounsel   Role = "Counsel"
	RoleAdmin     Role = "Admin"
	RoleBroker    Role = "Broker"
)

// Roles lists every known role in a fixed order.
var Roles = []Role{RoleGP, RoleAnalyst, RoleLP, RoleRegulator, RoleCounsel, RoleAdmin, RoleBroker}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// ActorType distinguishes who produced an event or approval.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorAI     ActorType = "AI"
	ActorSystem ActorType = "SYSTEM"
)
