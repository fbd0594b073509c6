package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/luxgrid/internal/infra/persistence/migrations"
)

func TestParseCommands(t *testing.T) {
	t.Setenv(dsnEnv, "")

	cmd, err := parse([]string{"-database", "postgresql://db/luxgrid", "up"})
	require.NoError(t, err)
	require.Equal(t, "up", cmd.action)
	require.Equal(t, migrations.EmbeddedPath, cmd.dir)

	cmd, err = parse([]string{"-database", "postgresql://db/luxgrid", "down"})
	require.NoError(t, err)
	require.Equal(t, 1, cmd.steps)

	cmd, err = parse([]string{"-database", "postgresql://db/luxgrid", "-path", "db/migrations", "down", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, cmd.steps)
	require.Equal(t, "db/migrations", cmd.dir)

	cmd, err = parse([]string{"-database", "postgresql://db/luxgrid", "down", "all"})
	require.NoError(t, err)
	require.Zero(t, cmd.steps)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Setenv(dsnEnv, "")

	_, err := parse([]string{"up"})
	require.ErrorContains(t, err, "-database")

	_, err = parse([]string{"-database", "postgresql://db/luxgrid"})
	require.ErrorContains(t, err, "command required")

	_, err = parse([]string{"-database", "postgresql://db/luxgrid", "sideways"})
	require.ErrorContains(t, err, "unknown command")

	_, err = parse([]string{"-database", "postgresql://db/luxgrid", "down", "-2"})
	require.ErrorContains(t, err, "invalid down steps")
}

func TestParseReadsDSNFromEnvironment(t *testing.T) {
	t.Setenv(dsnEnv, "postgresql://env/luxgrid")
	cmd, err := parse([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, "postgresql://env/luxgrid", cmd.dsn)
}

func TestRunValidatesPathBeforeConnecting(t *testing.T) {
	t.Setenv(dsnEnv, "")
	err := run([]string{"-database", "postgresql://invalid", "-path", "does-not-exist", "-quiet", "up"}, io.Discard)
	require.ErrorContains(t, err, "migrations directory")
}
