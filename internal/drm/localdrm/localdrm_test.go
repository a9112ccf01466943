package localdrm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egafni/cosmos/internal/drm"
	"github.com/egafni/cosmos/internal/testsupport"
)

func pollUntilDone(t *testing.T, d *Driver, id drm.JobID) drm.Outcome {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		outcome, err := d.Poll(context.Background(), id)
		require.NoError(t, err)
		if outcome.Done {
			return outcome
		}
		select {
		case <-deadline:
			t.Fatal("job never reached a terminal outcome")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitAndPollSuccess(t *testing.T) {
	d := New(testsupport.Logger(t), 2)
	id, err := d.Submit(context.Background(), "exit 0", drm.Resources{})
	require.NoError(t, err)

	outcome := pollUntilDone(t, d, id)
	assert.True(t, outcome.Successful())
	assert.Equal(t, 0, outcome.ExitCode)
}

func TestSubmitAndPollFailure(t *testing.T) {
	d := New(testsupport.Logger(t), 2)
	id, err := d.Submit(context.Background(), "exit 7", drm.Resources{})
	require.NoError(t, err)

	outcome := pollUntilDone(t, d, id)
	assert.False(t, outcome.Successful())
	assert.Equal(t, 7, outcome.ExitCode)
}

func TestSubmitCapturesStdoutAndStderr(t *testing.T) {
	d := New(testsupport.Logger(t), 2)
	id, err := d.Submit(context.Background(), "echo out; echo err 1>&2", drm.Resources{})
	require.NoError(t, err)

	outcome := pollUntilDone(t, d, id)
	assert.Equal(t, "out\n", outcome.Stdout)
	assert.Equal(t, "err\n", outcome.Stderr)
}

func TestPollUnknownJobIDReportsDoneFailed(t *testing.T) {
	d := New(testsupport.Logger(t), 2)
	outcome, err := d.Poll(context.Background(), drm.JobID("does-not-exist"))
	require.NoError(t, err)
	assert.True(t, outcome.Done)
	assert.False(t, outcome.Successful())
}

func TestKillTerminatesLongRunningJob(t *testing.T) {
	d := New(testsupport.Logger(t), 2)
	id, err := d.Submit(context.Background(), "sleep 30", drm.Resources{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Kill(context.Background(), id))

	outcome := pollUntilDone(t, d, id)
	assert.False(t, outcome.Successful())
}

func TestJobsBeyondConcurrencyLimitQueueAndComplete(t *testing.T) {
	d := New(testsupport.Logger(t), 1)
	id1, err := d.Submit(context.Background(), "sleep 0.1", drm.Resources{})
	require.NoError(t, err)
	id2, err := d.Submit(context.Background(), "true", drm.Resources{})
	require.NoError(t, err)

	o1 := pollUntilDone(t, d, id1)
	o2 := pollUntilDone(t, d, id2)
	assert.True(t, o1.Successful())
	assert.True(t, o2.Successful())
}
