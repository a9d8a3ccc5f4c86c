package model

import "fmt"

type Role string

const (
	RoleArchitect Role = "architect"
	RoleLead      Role = "lead"
	RoleSenior    Role = "senior_dev"
	RoleMid       Role = "mid_dev"
	RoleJunior    Role = "junior_dev"
	RoleQA        Role = "qa"
	RoleTester    Role = "tester"
)

// roleTiers orders executor roles from lowest to highest. QA and Tester sit
// outside the escalation ladder: work routed to them stays with them.
var roleTiers = []Role{RoleJunior, RoleMid, RoleSenior, RoleLead, RoleArchitect}

var roleTierIndex = func() map[Role]int {
	out := make(map[Role]int, len(roleTiers))
	for i, r := range roleTiers {
		out[r] = i
	}
	return out
}()

func ValidateRole(role Role) error {
	switch role {
	case RoleArchitect, RoleLead, RoleSenior, RoleMid, RoleJunior, RoleQA, RoleTester:
		return nil
	}
	return fmt.Errorf("invalid role: %q", role)
}

// Tier returns the role's position on the executor ladder and whether the
// role participates in elastic routing at all.
func (r Role) Tier() (int, bool) {
	tier, ok := roleTierIndex[r]
	return tier, ok
}

// IsHighTier reports whether the role is a design-level role subject to
// fast-tracking and backpressure demotion.
func (r Role) IsHighTier() bool {
	return r == RoleLead || r == RoleArchitect
}

// IsLowTier reports whether the role is an entry-level executor role subject
// to escalation on high complexity.
func (r Role) IsLowTier() bool {
	return r == RoleJunior || r == RoleMid
}

// Demote returns the role one tier down the ladder, or the role itself when
// already at the bottom or outside the ladder.
func (r Role) Demote() Role {
	tier, ok := roleTierIndex[r]
	if !ok || tier == 0 {
		return r
	}
	return roleTiers[tier-1]
}

func LowestExecutorRole() Role { return roleTiers[0] }

func HighestDesignRole() Role { return roleTiers[len(roleTiers)-1] }
