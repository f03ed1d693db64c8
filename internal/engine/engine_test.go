package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nibzard/fanout-go/internal/task"
	"github.com/nibzard/fanout-go/internal/tracker"
)

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func fastTrackerOpts() []tracker.Option {
	return []tracker.Option{tracker.WithCompletionGrace(0)}
}

// fakeProcessor stands in for the runner: it reports through the tracker
// like the real one and records scheduling behavior for assertions.
type fakeProcessor struct {
	delay time.Duration
	fail  map[string]bool

	started chan string
	proceed chan struct{}

	mu         sync.Mutex
	order      []string
	concurrent atomic.Int32
	maxSeen    atomic.Int32
}

func (f *fakeProcessor) Process(ctx context.Context, tk task.Task, tr *tracker.Tracker) task.Result {
	tr.StartTask(tk.ID)
	if f.started != nil {
		f.started <- tk.ID
	}
	if f.proceed != nil {
		<-f.proceed
	}

	cur := f.concurrent.Add(1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.concurrent.Add(-1)

	f.mu.Lock()
	f.order = append(f.order, tk.ID)
	f.mu.Unlock()

	result := task.Result{TaskID: tk.ID, Status: task.StatusCompleted, Data: "ok"}
	if f.fail[tk.ID] {
		result = task.Result{TaskID: tk.ID, Status: task.StatusFailed, Error: "boom"}
	}
	tr.CompleteTask(result)
	return result
}

func textTasks(ids ...string) []task.Task {
	tasks := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, task.Task{
			ID:      id,
			Type:    task.TypeTextInstruction,
			Payload: map[string]any{"text_instruction": "echo " + id},
		})
	}
	return tasks
}

func newEngine(proc Processor, notifier tracker.Notifier) (*Engine, *task.Manager) {
	m := task.NewManager()
	e := New(m, proc, notifier, quietLogger(), Options{TrackerOptions: fastTrackerOpts()})
	return e, m
}

func TestExecuteSequentialRunsInOrder(t *testing.T) {
	proc := &fakeProcessor{}
	e, _ := newEngine(proc, nil)

	req := &Request{Tasks: textTasks("a", "b", "c", "d"), Mode: task.ModeSequential}
	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != StatusSuccess {
		t.Errorf("status = %s", resp.Status)
	}
	want := []string{"a", "b", "c", "d"}
	if len(proc.order) != 4 {
		t.Fatalf("processed %d tasks", len(proc.order))
	}
	for i, id := range want {
		if proc.order[i] != id {
			t.Errorf("processing order = %v, want %v", proc.order, want)
			break
		}
	}
	if resp.Stats.TotalTasks != 4 || resp.Stats.Completed != 4 || resp.Stats.SuccessRate != 100 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestExecuteParallelBoundsConcurrency(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	e, _ := newEngine(proc, nil)

	req := &Request{Tasks: textTasks("a", "b", "c", "d", "e", "f", "g", "h"),
		Mode: task.ModeParallel, MaxWorkers: 3}
	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if got := proc.maxSeen.Load(); got > 3 {
		t.Errorf("observed %d concurrent tasks, pool bound is 3", got)
	}
	if len(resp.Results) != 8 {
		t.Fatalf("got %d results, want 8", len(resp.Results))
	}
	if resp.Stats.Completed+resp.Stats.Failed != resp.Stats.TotalTasks {
		t.Errorf("stats do not account for every task: %+v", resp.Stats)
	}
}

func TestPoolWorkerGaugeDrains(t *testing.T) {
	proc := &fakeProcessor{
		started: make(chan string, 8),
		proceed: make(chan struct{}),
	}
	e, _ := newEngine(proc, nil)

	tasks := textTasks("a", "b", "c", "d", "e")
	tr := tracker.New(tasks, tracker.DisplayMultiple, nil, quietLogger(), fastTrackerOpts()...)
	scope := task.NewScope(context.Background())
	defer scope.Cancel()

	state := newPoolState(len(tasks))
	done := make(chan struct{})
	go func() {
		e.runPool(state, scope, tasks, tr, 2)
		close(done)
	}()

	// Both workers have incremented the gauge before they report in, so
	// once two tasks have started the gauge reads exactly the pool bound.
	<-proc.started
	<-proc.started
	if got := state.activeWorkers.Load(); got != 2 {
		t.Errorf("active workers mid-run = %d, want 2", got)
	}
	close(proc.proceed)
	<-done

	if got := state.activeWorkers.Load(); got != 0 {
		t.Errorf("active workers after drain = %d, want 0", got)
	}
	if counts := tr.Counts(); counts.Completed != 5 {
		t.Errorf("counts after drain = %+v", counts)
	}
}

func TestExecuteFailureIsolation(t *testing.T) {
	proc := &fakeProcessor{fail: map[string]bool{"b": true}}
	e, _ := newEngine(proc, nil)

	req := &Request{Tasks: textTasks("a", "b", "c", "d"), Mode: task.ModeParallel, MaxWorkers: 2}
	resp, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if resp.Status != StatusPartialFailure {
		t.Errorf("status = %s, want partial_failure", resp.Status)
	}
	if resp.Stats.Failed != 1 || resp.Stats.Completed != 3 {
		t.Errorf("stats = %+v", resp.Stats)
	}
	if resp.Stats.SuccessRate != 75 {
		t.Errorf("SuccessRate = %v", resp.Stats.SuccessRate)
	}
	if !strings.HasPrefix(resp.FailureSummary, "1/4 tasks failed:") {
		t.Errorf("summary = %q", resp.FailureSummary)
	}
	if !strings.Contains(resp.FailureSummary, "boom") {
		t.Errorf("summary missing task error: %q", resp.FailureSummary)
	}
}

func TestExecuteAllFailed(t *testing.T) {
	proc := &fakeProcessor{fail: map[string]bool{"a": true, "b": true}}
	e, _ := newEngine(proc, nil)

	resp, err := e.Execute(context.Background(),
		&Request{Tasks: textTasks("a", "b"), Mode: task.ModeSequential})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusFailure {
		t.Errorf("status = %s, want failure", resp.Status)
	}
}

func TestExecuteEmptyBatch(t *testing.T) {
	proc := &fakeProcessor{}
	e, m := newEngine(proc, nil)

	resp, err := e.Execute(context.Background(), &Request{Mode: task.ModeSequential})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusSuccess || len(resp.Results) != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if m.ActiveExecutions() != 0 {
		t.Error("empty batch registered an execution scope")
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	proc := &fakeProcessor{
		started: make(chan string, 1),
		proceed: make(chan struct{}),
	}
	e, m := newEngine(proc, nil)

	done := make(chan *Response, 1)
	go func() {
		resp, _ := e.Execute(context.Background(),
			&Request{Tasks: textTasks("a", "b", "c"), Mode: task.ModeSequential})
		done <- resp
	}()

	// Let the first task start, cancel the batch, then release it.
	first := <-proc.started
	if first != "a" {
		t.Fatalf("first task = %s", first)
	}
	m.CancelAllExecutions()
	close(proc.proceed)

	resp := <-done
	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	byID := map[string]task.Result{}
	for _, res := range resp.Results {
		byID[res.TaskID] = res
	}
	// The in-flight task finishes; queued tasks are failed as cancelled.
	if byID["a"].Status != task.StatusCompleted {
		t.Errorf("in-flight task = %+v", byID["a"])
	}
	for _, id := range []string{"b", "c"} {
		if byID[id].Status != task.StatusFailed || byID[id].Error != "task execution cancelled" {
			t.Errorf("queued task %s = %+v", id, byID[id])
		}
	}
	if len(proc.order) != 1 {
		t.Errorf("dispatched %v after cancel", proc.order)
	}
}

func TestExecuteEmitsProgressAndCompletion(t *testing.T) {
	notifier := tracker.NewChannelNotifier(64)
	proc := &fakeProcessor{}
	e, _ := newEngine(proc, notifier)

	_, err := e.Execute(context.Background(),
		&Request{Tasks: textTasks("a", "b"), Mode: task.ModeParallel, MaxWorkers: 2})
	if err != nil {
		t.Fatal(err)
	}
	notifier.Close()

	var updates, completes int
	for n := range notifier.Events() {
		switch n.Subtype {
		case tracker.SubtypeTasksUpdate:
			updates++
		case tracker.SubtypeTasksComplete:
			completes++
		}
	}
	if updates == 0 {
		t.Error("no tasks_update events emitted")
	}
	if completes != 1 {
		t.Errorf("got %d tasks_complete events, want 1", completes)
	}
}
