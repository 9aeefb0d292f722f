package steering

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator compiles rule conditions and time windows once and
// caches them by their source text.
type ConditionEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	windows  map[string]timeWindow
}

// NewConditionEvaluator creates an empty evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{
		programs: make(map[string]*vm.Program),
		windows:  make(map[string]timeWindow),
	}
}

// Compile type-checks condition against RuleContext. Conditions must
// return a boolean.
func (e *ConditionEvaluator) Compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(condition, expr.Env(RuleContext{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", condition, err)
	}
	e.mu.Lock()
	e.programs[condition] = program
	e.mu.Unlock()
	return program, nil
}

// CompileRule checks the condition and the time window of r.
func (e *ConditionEvaluator) CompileRule(r *Rule) error {
	if _, err := e.Compile(r.Condition); err != nil {
		return err
	}
	_, err := e.window(r.Hours, r.Days)
	return err
}

// Evaluate runs condition against the candidate. An empty condition holds.
func (e *ConditionEvaluator) Evaluate(condition string, ctx *RuleContext) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}
	program, err := e.Compile(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, *ctx)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}
	return out.(bool), nil
}

// CheckTimeRule reports whether now falls inside the rule's active hours and
// days. A malformed window never matches.
func (e *ConditionEvaluator) CheckTimeRule(rule *Rule, now time.Time) bool {
	w, err := e.window(rule.Hours, rule.Days)
	return err == nil && w.contains(now)
}

func (e *ConditionEvaluator) window(hours, days string) (timeWindow, error) {
	key := hours + "|" + days
	e.mu.RLock()
	w, ok := e.windows[key]
	e.mu.RUnlock()
	if ok {
		return w, nil
	}
	w, err := parseWindow(hours, days)
	if err != nil {
		return timeWindow{}, err
	}
	e.mu.Lock()
	e.windows[key] = w
	e.mu.Unlock()
	return w, nil
}

// timeWindow is the set of hours and weekdays a rule is active in.
type timeWindow struct {
	hours [24]bool
	days  [7]bool
}

func (w timeWindow) contains(t time.Time) bool {
	return w.hours[t.Hour()] && w.days[t.Weekday()]
}

// parseWindow accepts hour lists like "9-17" or "8,12-14,22-2" and day lists
// like "Mon-Fri", "Sat,Sun" or "Fri-Mon". Ranges wrap past midnight and past
// Saturday. Empty fields allow everything.
func parseWindow(hours, days string) (timeWindow, error) {
	var w timeWindow
	if err := fillRanges(w.hours[:], hours, parseHour); err != nil {
		return w, fmt.Errorf("hours %q: %w", hours, err)
	}
	if err := fillRanges(w.days[:], days, parseDay); err != nil {
		return w, fmt.Errorf("days %q: %w", days, err)
	}
	return w, nil
}

func fillRanges(set []bool, list string, parse func(string) (int, error)) error {
	if strings.TrimSpace(list) == "" {
		for i := range set {
			set[i] = true
		}
		return nil
	}
	for _, item := range strings.Split(list, ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := parse(lo)
		if err != nil {
			return err
		}
		end := start
		if isRange {
			if end, err = parse(hi); err != nil {
				return err
			}
		}
		for i := start; ; i = (i + 1) % len(set) {
			set[i] = true
			if i == end {
				break
			}
		}
	}
	return nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", s)
	}
	return h, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseDay(s string) (int, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if len(name) > 3 {
		name = name[:3]
	}
	d, ok := weekdays[name]
	if !ok {
		return 0, fmt.Errorf("invalid day %q", s)
	}
	return int(d), nil
}
