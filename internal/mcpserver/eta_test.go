package mcpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capulus/dbgnexus/internal/debugger/types"
)

func TestEstimateETA_ExecutingCommandNoAhead(t *testing.T) {
	cmd := &types.Command{ID: "c1", Text: "!analyze -v", Position: 0}
	eta := estimateETA(cmd, []*types.Command{cmd}, time.Minute)
	require.Equal(t, "9m", eta)
}

func TestEstimateETA_FloorsAtDefaultTimeout(t *testing.T) {
	// "k" is an inspect-class command (2m timeout, same as the floor), so
	// a long elapsed time clamps remaining to zero rather than going negative.
	cmd := &types.Command{ID: "c1", Text: "k", Position: 0}
	eta := estimateETA(cmd, []*types.Command{cmd}, 5*time.Minute)
	require.Equal(t, "0.0s", eta)
}

func TestEstimateETA_SumsAheadOfFIFOClassTimeouts(t *testing.T) {
	executing := &types.Command{ID: "c1", Text: "!analyze -v", Position: 0}
	queuedAhead := &types.Command{ID: "c2", Text: "k", Position: 1}
	cmd := &types.Command{ID: "c3", Text: "!heap -stat", Position: 2}

	entries := []*types.Command{executing, queuedAhead, cmd}
	eta := estimateETA(cmd, entries, 0)

	// cmd's own class timeout (10m) + executing's (10m) + queuedAhead's (2m).
	require.Equal(t, "22m", eta)
}

func TestEstimateETA_IgnoresCommandsBehindInFIFO(t *testing.T) {
	cmd := &types.Command{ID: "c1", Text: "k", Position: 1}
	behind := &types.Command{ID: "c2", Text: "!analyze -v", Position: 2}

	eta := estimateETA(cmd, []*types.Command{cmd, behind}, 0)
	require.Equal(t, "2m", eta)
}
