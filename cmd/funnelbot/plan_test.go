package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
)

func TestPrintPlan(t *testing.T) {
	s, err := campaign.SettingsFromConfig(&config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "Europe/Moscow"},
		Campaign:  config.CampaignConfig{EventAt: "2026-01-05 19:00:00"},
	})
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, s.Location)

	var buf bytes.Buffer
	printPlan(&buf, now, s.EventAt, s)
	out := buf.String()

	assert.Contains(t, out, "event:  2026-01-05 19:00 MSK")
	assert.Contains(t, out, "phase:  before_webinar")
	assert.Contains(t, out, "2026-01-05 19:00 MSK  reminder_start")
	assert.Contains(t, out, "2026-01-06 08:30 MSK  offer_closed")
	assert.Regexp(t, `2025-12-31 19:00 MSK  warmup_1 .*\(past, skipped\)`, out)
}
