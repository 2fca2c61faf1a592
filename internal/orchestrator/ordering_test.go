package orchestrator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/pkg/models"
)

type feedKey struct {
	target string
	item   string
}

// TestItemEventPrecedesAnalysis pushes items matching random target sets
// while analysis latency varies, and checks the consumer sees every item
// before its analysis.
func TestItemEventPrecedesAnalysis(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	// delay runs under the analyzer's lock, so it gets its own source
	latency := rand.New(rand.NewSource(11))
	analyzer := &countingAnalyzer{delay: func() time.Duration {
		return time.Duration(latency.Intn(300)) * time.Microsecond
	}}
	pipeline := newPipeline(t, analyzer)
	h := newHarness(t, Options{Analysis: pipeline})

	var ids []string
	for _, def := range []models.TargetDefinition{phrase("golang"), phrase("golang"), phrase("rust"), account("alice")} {
		target, err := h.o.Add(h.ctx, withAnalysis(def, "grok"), true)
		require.NoError(t, err)
		ids = append(ids, target.ID)
	}
	for _, id := range ids {
		h.waitStatus(t, id, models.StatusActive)
	}

	ruleTargets := make(map[string][]string)
	for _, id := range ids {
		target, _ := h.o.Registry().Get(id)
		ruleTargets[target.RuleID] = append(ruleTargets[target.RuleID], id)
	}
	var ruleIDs []string
	for id := range ruleTargets {
		ruleIDs = append(ruleIDs, id)
	}

	const items = 1000
	expected := 0
	for i := 0; i < items; i++ {
		perm := rng.Perm(len(ruleIDs))
		matched := make([]string, 0, len(perm))
		for _, p := range perm[:1+rng.Intn(len(perm))] {
			matched = append(matched, ruleIDs[p])
			expected += len(ruleTargets[ruleIDs[p]])
		}
		h.stream.push(t, models.StreamItem{ID: fmt.Sprintf("p%d", i), Text: "post", MatchedRuleIDs: matched})
	}

	require.Eventually(t, func() bool {
		n := 0
		for _, ev := range h.events.all() {
			if _, ok := ev.(*models.AnalysisEvent); ok {
				n++
			}
		}
		return n == expected
	}, 20*time.Second, 5*time.Millisecond, "every matched item must be analysed")

	seenItem := make(map[feedKey]uint64)
	var lastSeq uint64
	for _, ev := range h.events.all() {
		seq := ev.Header().Seq
		require.Greater(t, seq, lastSeq, "sequence numbers increase")
		lastSeq = seq

		switch e := ev.(type) {
		case *models.ItemEvent:
			key := feedKey{e.Target.ID, e.Item.ID}
			_, dup := seenItem[key]
			require.False(t, dup, "one item event per target and item")
			seenItem[key] = seq
		case *models.AnalysisEvent:
			key := feedKey{e.Target.ID, e.Item.ID}
			itemSeq, ok := seenItem[key]
			require.True(t, ok, "analysis for %v arrived before its item", key)
			assert.Less(t, itemSeq, seq)
			assert.NoError(t, e.Err)
		}
	}
	assert.Len(t, seenItem, expected)
}
