package main

import (
	"testing"

	"sitewide-aggregator/internal/config"
	"sitewide-aggregator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogStartup_ReportsResyncDecision(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := &config.Config{}
	cfg.Aggregator.Enabled = true
	cfg.Aggregator.TriggerMode = config.TriggerMQTT
	cfg.Aggregator.MQTTTopic = "sitewide/events"
	cfg.Aggregator.ExcludedTenants = []models.TenantID{3, 9}
	cfg.Aggregator.ResyncOnStart = true

	logStartup(zap.New(core), cfg)

	configured := logs.FilterMessage("Sitewide aggregator configured").All()
	require.Len(t, configured, 1)
	fields := configured[0].ContextMap()
	assert.Equal(t, config.TriggerMQTT, fields["trigger_mode"])
	assert.Equal(t, "sitewide/events", fields["topic"])
	assert.Equal(t, []interface{}{int64(3), int64(9)}, fields["excluded_tenants"])

	assert.Equal(t, 1, logs.FilterMessage("Full resync requested on start").Len())
	assert.Zero(t, logs.FilterMessage("Aggregation is disabled, changes will be acknowledged without mirroring").Len())
}

func TestLogStartup_WarnsWhenDisabled(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := &config.Config{}
	cfg.Aggregator.TriggerMode = config.TriggerPolling
	cfg.Aggregator.Polling.Interval = 60

	logStartup(zap.New(core), cfg)

	configured := logs.FilterMessage("Sitewide aggregator configured").All()
	require.Len(t, configured, 1)
	assert.Equal(t, int64(60), configured[0].ContextMap()["interval_seconds"])
	assert.Equal(t, 1, logs.FilterMessage("Aggregation is disabled, changes will be acknowledged without mirroring").Len())
	assert.Equal(t, 1, logs.FilterMessage("No resync requested, one still runs if the mirror schema changes").Len())
}
