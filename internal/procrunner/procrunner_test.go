package procrunner_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pennyhq/penny/internal/procrunner"
)

func TestStartCapturesOutput(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	h, err := procrunner.Start(procrunner.Command{Start: "echo hello; echo world 1>&2"}, func(stream procrunner.Stream, line string, ts time.Time) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, stream.String()+":"+line)
	})
	require.NoError(t, err)

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}
	require.NoError(t, h.ExitErr())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, lines, "stdout:hello")
	require.Contains(t, lines, "stderr:world")
}

func TestStopViaSignalGraceful(t *testing.T) {
	h, err := procrunner.Start(procrunner.Command{Start: "trap 'exit 0' TERM; sleep 30"}, nil)
	require.NoError(t, err)

	err = h.Stop(context.Background(), 2*time.Second)
	require.NoError(t, err)

	select {
	case <-h.Exited():
	default:
		t.Fatal("process should have exited after Stop")
	}
}

func TestStopViaEndCommand(t *testing.T) {
	// The backend runs until the end command creates the stop file.
	stopFile := filepath.Join(t.TempDir(), "stop")
	h, err := procrunner.Start(procrunner.Command{
		Start: "while [ ! -e '" + stopFile + "' ]; do sleep 0.1; done",
		End:   "touch '" + stopFile + "'",
	}, nil)
	require.NoError(t, err)

	err = h.Stop(context.Background(), 2*time.Second)
	require.NoError(t, err)
}
