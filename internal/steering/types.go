// Package steering holds the trigger rules that boost or penalize handler
// candidates during routing. Rules are expr-lang conditions declared in YAML
// files and reloaded when the rules directory changes.
package steering

// Adjustment bounds. The summed, weighted deltas of all fired rules are
// clamped to this range.
const (
	MinAdjustment = -0.5
	MaxAdjustment = 0.3
)

// Rule is one trigger rule.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Condition is an expr-lang expression over RuleContext.
	Condition string `yaml:"condition" json:"condition"`
	// Delta is added to the candidate score when the rule fires, scaled by
	// the rule's learned weight. Positive values boost, negative penalize.
	Delta float64 `yaml:"delta" json:"delta"`
	// Exclude removes the candidate outright when the rule fires.
	Exclude bool `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	// Handlers limits the rule to these handler ids; empty means every handler.
	Handlers []string `yaml:"handlers,omitempty" json:"handlers,omitempty"`
	// Hours and Days restrict when the rule is active, e.g. "9-17" and "Mon-Fri".
	Hours    string `yaml:"hours,omitempty" json:"hours,omitempty"`
	Days     string `yaml:"days,omitempty" json:"days,omitempty"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`

	Builtin  bool   `yaml:"-" json:"builtin,omitempty"`
	FilePath string `yaml:"-" json:"-"`
}

// appliesTo reports whether the rule is scoped to handler.
func (r *Rule) appliesTo(handler string) bool {
	if len(r.Handlers) == 0 {
		return true
	}
	for _, h := range r.Handlers {
		if h == handler {
			return true
		}
	}
	return false
}

// RuleContext is the environment rule conditions are evaluated against. One
// context is built per handler candidate.
type RuleContext struct {
	Handler           string
	Intent            string
	SecondaryIntent   string
	Domain            string
	Urgency           string
	Complexity        string
	Mode              string
	Keywords          []string
	SecuritySensitive bool

	// IntentMatch is 1.0 when the handler declares the primary intent, 0.6
	// for a secondary intent and 0 otherwise.
	IntentMatch float64
	SuccessRate float64
	Uses        int
	// MinutesSinceFailure is negative when the handler never failed.
	MinutesSinceFailure float64
	LastHandler         string

	Cost int64
	// Remaining is negative when the task has no budget bound.
	Remaining   int64
	BudgetRatio float64

	Hour    int
	Weekday string
}

// Fired is a rule that fired on a candidate with its weighted contribution.
type Fired struct {
	Rule    string  `json:"rule"`
	Delta   float64 `json:"delta"`
	Exclude bool    `json:"exclude,omitempty"`
}

// Adjustment is the combined effect of every fired rule on one candidate.
type Adjustment struct {
	Delta   float64 `json:"delta"`
	Exclude bool    `json:"exclude"`
	Fired   []Fired `json:"fired,omitempty"`
}

// Names returns the names of the fired rules.
func (a Adjustment) Names() []string {
	out := make([]string, len(a.Fired))
	for i, f := range a.Fired {
		out[i] = f.Rule
	}
	return out
}
