package client

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	exiterrors "github.com/dataflow/coord/common/errors"
)

const testConfig = `{
  "Cluster": {"Type": "memory", "Workers": 3, "SlotsPerWorker": 1, "FetchInterval": "10ms"},
  "SchedulerConfig": {"Type": "default", "SlotRequestTimeout": "5s", "Hostname": "testhost"}
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	c := newSimpleCLIClient(out)
	c.rootCmd.SetArgs(append(args, "--config", testConfig))
	err := c.Exec()
	assert.Nil(t, c.coordinator, "coordinator left running")
	return out.String(), err
}

func TestRunJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	out, err := execute(t, "run_job", "--colocate", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "placed 6 subtasks on 3 slots")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "testhost/slotpool")
}

func TestRunJobNotEnoughSlots(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, err := execute(t, "run_job", "--parallelism", "4", "--timeout", "200ms")
	assert.Error(t, err)
}

func TestSmokeTest(t *testing.T) {
	defer goleak.VerifyNone(t)

	out, err := execute(t, "run_smoke_test", "5", "--seed", "7", "--max_parallelism", "2", "--timeout", "2s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Starting Smoke Test with 5 jobs"), out)
	assert.Contains(t, out, "Completed: ")
}

func TestShowConfig(t *testing.T) {
	out, err := execute(t, "show_config")
	require.NoError(t, err)
	assert.Contains(t, out, "Workers: 3")
	assert.Contains(t, out, "DefaultSlotRequestTimeout: 5s, Hostname: testhost")
}

func TestExitCodes(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, err := execute(t, "run_job", "--parallelism", "0")
	assert.Equal(t, exiterrors.InvalidJobGraphExitCode, exiterrors.ExitCodeOf(err))

	_, err = execute(t, "run_job", "--parallelism", "4", "--timeout", "200ms")
	assert.Equal(t, exiterrors.SlotTimeoutExitCode, exiterrors.ExitCodeOf(err))
}
