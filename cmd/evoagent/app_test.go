package main

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"evoagent/internal/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := buildApp("", t.TempDir(), "error")
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestBuildAppWiresEverything(t *testing.T) {
	app := newTestApp(t)
	require.NotNil(t, app.loop)
	require.NotNil(t, app.architect)
	require.NotNil(t, app.bridge)
	require.NotNil(t, app.deep)
	require.NotNil(t, app.heartbeat)
	require.NoError(t, app.registerJobs())
}

func TestDailyBriefingPublishesAndPersists(t *testing.T) {
	app := newTestApp(t)
	app.tracker.RecordTask("task_0001", "SUCCESS", 120, "opus", 50, 0, "")

	app.runDailyBriefing(context.Background())

	msg, ok := app.bus.ConsumeOutbound(context.Background())
	require.True(t, ok)
	require.Equal(t, "briefing", msg.MessageType)
	require.Contains(t, msg.Text, "Tasks: 1")

	_, saved := app.loop.Memories().DailySummary(store.Today())
	require.True(t, saved, "daily summary not saved to memory")

	entries, err := os.ReadDir(app.ws.Path("metrics", "daily"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestIsApprovalCallback(t *testing.T) {
	cases := map[string]bool{
		"approve:prop_1": true,
		"reject:prop_1":  true,
		"discuss:prop_1": true,
		"approve prop_1": false,
		"hello":          false,
	}
	for text, want := range cases {
		require.Equal(t, want, isApprovalCallback(text), text)
	}
}
