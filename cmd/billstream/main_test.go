package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setLiteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLSTREAM_CONFIG", "")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("BLOB_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
}

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "version"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "billstream "+version)
}

func TestHelpCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "help"}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), "USAGE")
	require.Contains(t, stdout.String(), "replay")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "frobnicate"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "Unknown command")
}

func TestDoctorOnFreshLiteSetup(t *testing.T) {
	setLiteEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "doctor"}, &stdout, &stderr)
	require.Equal(t, 0, code, "doctor output:\n%s%s", stdout.String(), stderr.String())
	require.Contains(t, stdout.String(), "all checks passed")
}

func TestReplayRequiresConsumer(t *testing.T) {
	setLiteEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "replay"}, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "--consumer")
	require.Contains(t, stderr.String(), "bill-summary")
}

func TestReplayRebuildsConsumer(t *testing.T) {
	setLiteEnv(t)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "replay", "--consumer", "bill-summary"}, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr:\n%s", stderr.String())
	require.Contains(t, stdout.String(), "bill-summary rebuilt to position 0")
}

func TestHealthAgainstUnreachableServer(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"billstream", "health", "--addr", "http://127.0.0.1:1"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, strings.ToLower(stderr.String()), "unreachable")
}
