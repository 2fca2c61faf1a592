package orchestrator

import (
	"sort"

	"github.com/xmonitor/pkg/models"
)

// DesiredRule is one rule expression wanted by one or more enabled targets.
// TargetIDs keeps registry order; the first entry owns the rule.
type DesiredRule struct {
	Expression string
	TargetIDs  []string
}

// Owner returns the target the rule is tagged with
func (d DesiredRule) Owner() string {
	if len(d.TargetIDs) == 0 {
		return ""
	}
	return d.TargetIDs[0]
}

// KeptRule is an existing remote rule that still serves enabled targets
type KeptRule struct {
	Rule      models.RuleBinding
	TargetIDs []string
}

// Plan is the set of remote changes that brings the rules in line with the targets
type Plan struct {
	Deletes []models.RuleBinding
	Adds    []DesiredRule
	Keep    []KeptRule
}

// Mutations returns the number of add and delete calls the plan needs
func (p Plan) Mutations() int {
	return len(p.Deletes) + len(p.Adds)
}

// Desired groups the Initiating and Active targets by expression
func Desired(targets []models.Target) []DesiredRule {
	index := make(map[string]int)
	var desired []DesiredRule
	for _, t := range targets {
		if !t.Status.Enabled() || t.Expression == "" {
			continue
		}
		if i, ok := index[t.Expression]; ok {
			desired[i].TargetIDs = append(desired[i].TargetIDs, t.ID)
			continue
		}
		index[t.Expression] = len(desired)
		desired = append(desired, DesiredRule{Expression: t.Expression, TargetIDs: []string{t.ID}})
	}
	return desired
}

// Diff compares the desired rules with the owned remote rules. The first
// remote rule per expression is kept; further copies and rules nobody wants
// are deleted. Diff performs no I/O.
func Diff(desired []DesiredRule, current []models.RuleBinding) Plan {
	var plan Plan

	wanted := make(map[string]int, len(desired))
	for i, d := range desired {
		wanted[d.Expression] = i
	}

	kept := make(map[string]bool, len(desired))
	for _, rule := range current {
		i, ok := wanted[rule.Expression]
		if !ok || kept[rule.Expression] {
			plan.Deletes = append(plan.Deletes, rule)
			continue
		}
		kept[rule.Expression] = true
		plan.Keep = append(plan.Keep, KeptRule{Rule: rule, TargetIDs: desired[i].TargetIDs})
	}

	for _, d := range desired {
		if !kept[d.Expression] {
			plan.Adds = append(plan.Adds, d)
		}
	}
	return plan
}

// Expressions returns the sorted, de-duplicated expressions of the rules
func Expressions(rules []models.RuleBinding) []string {
	seen := make(map[string]bool, len(rules))
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		if !seen[r.Expression] {
			seen[r.Expression] = true
			out = append(out, r.Expression)
		}
	}
	sort.Strings(out)
	return out
}
