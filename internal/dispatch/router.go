package dispatch

import "github.com/forgeworks/foundry/internal/model"

// Router holds the elastic routing thresholds. Routing is pure: the same
// role and complexity always yield the same effective role.
type Router struct {
	FastTrackBelow   int
	EscalateAbove    int
	BackpressureLoad int
}

// EffectiveRole computes the routing target. Design-level roles are
// fast-tracked down to the lowest executor role for trivial work; entry-level
// roles are escalated to the highest design role for work beyond them.
func (r Router) EffectiveRole(role model.Role, complexity int) model.Role {
	if role.IsHighTier() && complexity < r.FastTrackBelow {
		return model.LowestExecutorRole()
	}
	if role.IsLowTier() && complexity > r.EscalateAbove {
		return model.HighestDesignRole()
	}
	return role
}

// Backpressure reports whether an overloaded high-tier role should shed the
// task one tier down. Applied only after the idle search for the effective
// role came up empty, and retried at most once.
func (r Router) Backpressure(role model.Role, load int) (model.Role, bool) {
	if !role.IsHighTier() || load <= r.BackpressureLoad {
		return role, false
	}
	demoted := role.Demote()
	if demoted == role {
		return role, false
	}
	return demoted, true
}
