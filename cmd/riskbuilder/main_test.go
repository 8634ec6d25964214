package main

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCommand(t *testing.T, args ...string) string {
	t.Helper()
	parser, err := kong.New(&CLI)
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return ctx.Command()
}

// The dispatch switch matches on kong's command strings; this pins them so a
// renamed flag or argument cannot silently unroute a command.
func TestCommandStrings(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"init"}, "init"},
		{[]string{"init", "--force"}, "init"},
		{[]string{"migrate"}, "migrate"},
		{[]string{"worker"}, "worker"},
		{[]string{"sync", "acme/api", "acme/web"}, "sync <repo>"},
		{[]string{"scenario", "create", "--owner", "dev", "--name", "go history", "scenario.yaml"}, "scenario create <file>"},
		{[]string{"scenario", "list"}, "scenario list"},
		{[]string{"scenario", "list", "--owner", "dev"}, "scenario list"},
		{[]string{"scenario", "status", "scn-1"}, "scenario status <id>"},
		{[]string{"scenario", "update", "scn-1", "scenario.yaml"}, "scenario update <id> <file>"},
		{[]string{"scenario", "delete", "scn-1"}, "scenario delete <id>"},
		{[]string{"scenario", "generate", "scn-1"}, "scenario generate <id>"},
		{[]string{"scenario", "process", "scn-1"}, "scenario process <id>"},
		{[]string{"scenario", "reingest", "scn-1"}, "scenario reingest <id>"},
		{[]string{"scenario", "retry-scan", "scn-1", "--commit", "abc123", "--tool", "trivy"}, "scenario retry-scan <id>"},
		{[]string{"scenario", "splits", "scn-1"}, "scenario splits <id>"},
		{[]string{"webhook-replay", "riskbuilder_scn-1_abc123"}, "webhook-replay <component>"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseCommand(t, tc.args...), "args %v", tc.args)
	}
}

func TestRetryScanRejectsUnknownTool(t *testing.T) {
	parser, err := kong.New(&CLI)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"scenario", "retry-scan", "scn-1", "--commit", "abc123", "--tool", "nessus"})
	require.Error(t, err)
}

func TestGlobalFlagDefaults(t *testing.T) {
	parseCommand(t, "migrate")
	assert.Equal(t, "riskbuilder.yaml", CLI.Config)
}
