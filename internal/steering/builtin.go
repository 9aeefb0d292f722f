package steering

// Names of the built-in rules.
const (
	RuleEmergencyBoost        = "emergency-boost"
	RuleRecentFailureCooldown = "recent-failure-cooldown"
	RuleInsufficientBudget    = "insufficient-budget"
)

// BuiltinRules returns the rules every engine starts with. Declared rules
// cannot reuse their names.
func BuiltinRules() []*Rule {
	return []*Rule{
		{
			Name:        RuleEmergencyBoost,
			Description: "Critical tasks favor handlers that declare the primary intent",
			Condition:   `Urgency == "critical" && IntentMatch >= 1.0`,
			Delta:       0.15,
			Builtin:     true,
		},
		{
			Name:        RuleRecentFailureCooldown,
			Description: "Handlers that failed in the last 30 minutes are penalized",
			Condition:   `MinutesSinceFailure >= 0 && MinutesSinceFailure < 30`,
			Delta:       -0.2,
			Builtin:     true,
		},
		{
			Name:        RuleInsufficientBudget,
			Description: "Handlers costing more than the remaining budget are penalized",
			Condition:   `Remaining >= 0 && Cost > Remaining`,
			Delta:       -0.3,
			Builtin:     true,
		},
	}
}
