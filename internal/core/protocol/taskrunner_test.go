package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingTask struct {
	name string
	err  error
	runs *[]string
}

func (t *recordingTask) Name() string { return t.name }

func (t *recordingTask) Run(tc *TaskContext) error {
	*t.runs = append(*t.runs, t.name)
	return t.err
}

func TestTaskRunnerRunsInOrder(t *testing.T) {
	trade := newSellerTrade()
	runs := []string{}

	completed := 0
	runner := NewTaskRunner(trade, []Task{
		&recordingTask{name: "first", runs: &runs},
		&recordingTask{name: "second", runs: &runs},
		&recordingTask{name: "third", runs: &runs},
	}, func() { completed++ }, func(string) { t.Fatal("unexpected failure") })

	runner.Run(newTaskContext(trade, testServices(newStubMessenger())))

	require.Equal(t, []string{"first", "second", "third"}, runs)
	require.Equal(t, 1, completed)
}

func TestTaskRunnerShortCircuitsOnFailure(t *testing.T) {
	trade := newSellerTrade()
	runs := []string{}

	var failMsg string
	runner := NewTaskRunner(trade, []Task{
		&recordingTask{name: "first", runs: &runs},
		&recordingTask{name: "boom", err: errors.New("exploded"), runs: &runs},
		&recordingTask{name: "never", runs: &runs},
	}, func() { t.Fatal("unexpected completion") }, func(msg string) { failMsg = msg })

	runner.Run(newTaskContext(trade, testServices(newStubMessenger())))

	require.Equal(t, []string{"first", "boom"}, runs)
	require.Contains(t, failMsg, "boom")
	require.Contains(t, failMsg, "exploded")
}

// suspendingTask parks its pipeline and hands the settle function out for the
// test to invoke from another goroutine.
type suspendingTask struct {
	name     string
	runs     *[]string
	settleCh chan func(error)
}

func (t *suspendingTask) Name() string { return t.name }

func (t *suspendingTask) Run(tc *TaskContext) error {
	*t.runs = append(*t.runs, t.name)
	t.settleCh <- tc.Suspend()
	return nil
}

func TestTaskRunnerResumesAfterSuspension(t *testing.T) {
	trade := newSellerTrade()
	runs := []string{}
	settleCh := make(chan func(error), 1)
	completedCh := make(chan struct{})

	runner := NewTaskRunner(trade, []Task{
		&recordingTask{name: "first", runs: &runs},
		&suspendingTask{name: "waits", runs: &runs, settleCh: settleCh},
		&recordingTask{name: "after", runs: &runs},
	}, func() { close(completedCh) }, func(msg string) { t.Errorf("unexpected failure: %s", msg) })

	runner.Run(newTaskContext(trade, testServices(newStubMessenger())))

	// Run returned with the pipeline parked on the suspended task.
	require.Equal(t, []string{"first", "waits"}, runs)
	select {
	case <-completedCh:
		t.Fatal("pipeline completed before the suspension settled")
	default:
	}

	settle := <-settleCh
	go settle(nil)

	select {
	case <-completedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not resume")
	}
	require.Equal(t, []string{"first", "waits", "after"}, runs)
}

func TestTaskRunnerSuspensionFailureShortCircuits(t *testing.T) {
	trade := newSellerTrade()
	runs := []string{}
	settleCh := make(chan func(error), 1)
	failedCh := make(chan string, 1)

	runner := NewTaskRunner(trade, []Task{
		&suspendingTask{name: "waits", runs: &runs, settleCh: settleCh},
		&recordingTask{name: "never", runs: &runs},
	}, func() { t.Error("unexpected completion") }, func(msg string) { failedCh <- msg })

	runner.Run(newTaskContext(trade, testServices(newStubMessenger())))

	settle := <-settleCh
	go settle(errors.New("no ack"))

	select {
	case msg := <-failedCh:
		require.Contains(t, msg, "waits")
		require.Contains(t, msg, "no ack")
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not fail")
	}
	require.Equal(t, []string{"waits"}, runs)
}

func TestTaskRunnerStopsOnCancelledContext(t *testing.T) {
	trade := newSellerTrade()
	runs := []string{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var failMsg string
	runner := NewTaskRunner(trade, []Task{
		&recordingTask{name: "never", runs: &runs},
	}, nil, func(msg string) { failMsg = msg })

	tc := newTaskContext(trade, testServices(newStubMessenger()))
	tc.Ctx = ctx
	runner.Run(tc)

	require.Empty(t, runs)
	require.Contains(t, failMsg, "cancelled")
}
