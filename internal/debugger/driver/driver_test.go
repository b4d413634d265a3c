package driver

import (
	"context"
	"testing"
	"time"

	"github.com/capulus/dbgnexus/internal/common/config"
	"github.com/capulus/dbgnexus/internal/common/logger"
	apperrors "github.com/capulus/dbgnexus/internal/common/errors"
	"github.com/stretchr/testify/require"
)

// echoDriverConfig spawns a tiny shell loop that echoes each line it reads
// back out, followed by the configured prompt sentinel, standing in for a
// real cdb.exe child during tests.
func echoDriverConfig() config.DriverConfig {
	return config.DriverConfig{
		Executable:             "sh",
		ExtraArgs:              `-c "while IFS= read -r line; do echo \"got: $line\"; echo '0:000>'; done"`,
		PromptSentinel:         "0:000>",
		IdleReadTimeoutSeconds: 5,
		BreakSequence:          "break",
		BreakWaitSeconds:       1,
		StopGraceSeconds:       2,
	}
}

func TestDriver_StartExecuteStop(t *testing.T) {
	d := New(echoDriverConfig(), logger.Default())
	ctx := context.Background()

	require.NoError(t, d.Start(ctx, "", ""))
	require.True(t, d.IsActive())

	out, err := d.Execute(ctx, "!analyze -v")
	require.NoError(t, err)
	require.Contains(t, out, "got: !analyze -v")

	require.NoError(t, d.Stop(ctx))
	require.False(t, d.IsActive())
}

func TestDriver_ExecuteBeforeStart(t *testing.T) {
	d := New(echoDriverConfig(), logger.Default())
	_, err := d.Execute(context.Background(), "k")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeChildCrashed, apperrors.CodeOf(err))
}

func TestDriver_ExecuteRespectsCancellation(t *testing.T) {
	// A child that never answers: the driver should return CodeTimeout
	// rather than hang once the caller's deadline passes.
	cfg := echoDriverConfig()
	cfg.ExtraArgs = `-c "sleep 5"`
	d := New(cfg, logger.Default())
	require.NoError(t, d.Start(context.Background(), "", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, "k")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeTimeout, apperrors.CodeOf(err))

	require.NoError(t, d.Stop(context.Background()))
}
