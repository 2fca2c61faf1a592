package cmd

import (
	"bytes"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xmonitor/pkg/models"
)

func TestPresenterPrintsFeed(t *testing.T) {
	ref := models.TargetRef{ID: "t1", Label: "@golang"}
	item := models.StreamItem{ID: "42", AuthorHandle: "golang", Text: "Go 1.25 is out\nwith iterators"}
	header := models.EventHeader{At: time.Date(2026, 1, 2, 10, 0, 0, 0, time.Local)}

	events := []models.FeedEvent{
		&models.ItemEvent{EventHeader: header, Target: ref, Item: item},
		&models.AnalysisEvent{EventHeader: header, Target: ref, Item: item, Provider: "grok", Model: "m", Output: "Big release."},
		&models.AnalysisEvent{EventHeader: header, Target: ref, Item: item, Err: errors.New("timeout")},
		&models.SystemEvent{EventHeader: header, Kind: models.SystemConnected, Level: models.LevelInfo, Message: "stream connected"},
	}

	var out bytes.Buffer
	p := &presenter{out: &out}
	p.consume(slices.Values(events))

	text := out.String()
	assert.Contains(t, text, "10:00:00  @golang  @golang")
	assert.Contains(t, text, "    Go 1.25 is out\n    with iterators")
	assert.Contains(t, text, "https://x.com/golang/status/42")
	assert.Contains(t, text, "analysis of 42 (grok/m")
	assert.Contains(t, text, "    Big release.")
	assert.Contains(t, text, "analysis failed for 42: timeout")
	assert.Contains(t, text, "[connected] stream connected")
}

func TestQuietPresenterSkipsInfo(t *testing.T) {
	var out bytes.Buffer
	p := &presenter{out: &out, quiet: true}
	p.print(&models.SystemEvent{Kind: models.SystemRules, Level: models.LevelInfo, Message: "added rule"})
	p.print(&models.SystemEvent{Kind: models.SystemError, Level: models.LevelError, Message: "stream stopped"})

	assert.NotContains(t, out.String(), "added rule")
	assert.Contains(t, out.String(), "stream stopped")
}
