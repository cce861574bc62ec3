package commonutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGoID(t *testing.T) {
	id := GoID()
	require.Positive(t, id)

	other := make(chan int64)
	go func() { other <- GoID() }()
	require.NotEqual(t, id, <-other)
}

func TestCallerProbe(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	probe := CallerProbe(zap.New(core), 0)

	probe(3, 17, "hit")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, uint64(3), fields["mapping"])
	require.Equal(t, uint64(17), fields["offset"])
	require.Equal(t, "hit", fields["outcome"])
	require.True(t, strings.HasPrefix(fields["caller"].(string), "utils_test.go:"), "caller %v", fields["caller"])
}

func TestCallerProbe_QuietAboveDebug(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	CallerProbe(zap.New(core), 0)(1, 1, "miss")
	require.Zero(t, logs.Len())
}
