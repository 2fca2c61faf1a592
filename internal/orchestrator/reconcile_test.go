package orchestrator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/xmonitor/pkg/models"
)

func testTarget(id, expression string, status models.TargetStatus) models.Target {
	return models.Target{ID: id, Expression: expression, Status: status}
}

func TestDesiredGroupsEnabledTargetsByExpression(t *testing.T) {
	targets := []models.Target{
		testTarget("a", "golang", models.StatusActive),
		testTarget("b", "rust", models.StatusInactive),
		testTarget("c", "golang", models.StatusInitiating),
		testTarget("d", "from:alice", models.StatusInitiating),
	}

	want := []DesiredRule{
		{Expression: "golang", TargetIDs: []string{"a", "c"}},
		{Expression: "from:alice", TargetIDs: []string{"d"}},
	}
	got := Desired(targets)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Desired() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "a", got[0].Owner())
	assert.Empty(t, DesiredRule{}.Owner())
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		desired []DesiredRule
		current []models.RuleBinding
		want    Plan
	}{
		{
			name:    "nothing wanted nothing present",
			desired: nil,
			current: nil,
			want:    Plan{},
		},
		{
			name:    "add missing",
			desired: []DesiredRule{{Expression: "golang", TargetIDs: []string{"a"}}},
			want:    Plan{Adds: []DesiredRule{{Expression: "golang", TargetIDs: []string{"a"}}}},
		},
		{
			name:    "delete unwanted",
			current: []models.RuleBinding{{ID: "1", Expression: "rust"}},
			want:    Plan{Deletes: []models.RuleBinding{{ID: "1", Expression: "rust"}}},
		},
		{
			name:    "keep matching rule for every sharing target",
			desired: []DesiredRule{{Expression: "golang", TargetIDs: []string{"a", "b"}}},
			current: []models.RuleBinding{{ID: "1", Expression: "golang"}},
			want: Plan{Keep: []KeptRule{
				{Rule: models.RuleBinding{ID: "1", Expression: "golang"}, TargetIDs: []string{"a", "b"}},
			}},
		},
		{
			name:    "duplicate remote copies are deleted",
			desired: []DesiredRule{{Expression: "golang", TargetIDs: []string{"a"}}},
			current: []models.RuleBinding{
				{ID: "1", Expression: "golang"},
				{ID: "2", Expression: "golang"},
			},
			want: Plan{
				Deletes: []models.RuleBinding{{ID: "2", Expression: "golang"}},
				Keep:    []KeptRule{{Rule: models.RuleBinding{ID: "1", Expression: "golang"}, TargetIDs: []string{"a"}}},
			},
		},
		{
			name: "edited expression replaces the rule",
			desired: []DesiredRule{
				{Expression: "(from:alice OR from:bob)", TargetIDs: []string{"a"}},
			},
			current: []models.RuleBinding{{ID: "1", Expression: "from:alice"}},
			want: Plan{
				Deletes: []models.RuleBinding{{ID: "1", Expression: "from:alice"}},
				Adds:    []DesiredRule{{Expression: "(from:alice OR from:bob)", TargetIDs: []string{"a"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.desired, tt.current)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffIsIdempotentOnceApplied(t *testing.T) {
	desired := []DesiredRule{
		{Expression: "golang", TargetIDs: []string{"a"}},
		{Expression: "rust", TargetIDs: []string{"b"}},
	}
	current := []models.RuleBinding{
		{ID: "1", Expression: "golang"},
		{ID: "2", Expression: "rust"},
	}
	assert.Zero(t, Diff(desired, current).Mutations())
}

func TestExpressions(t *testing.T) {
	rules := []models.RuleBinding{
		{ID: "1", Expression: "rust"},
		{ID: "2", Expression: "golang"},
		{ID: "3", Expression: "rust"},
	}
	if diff := cmp.Diff([]string{"golang", "rust"}, Expressions(rules)); diff != "" {
		t.Errorf("Expressions() mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, Expressions(nil))
}
