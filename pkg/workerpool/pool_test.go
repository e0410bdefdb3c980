package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
)

func square(ctx context.Context, task *Task) *Result {
	n := task.Payload.(int)
	return &Result{Success: true, Data: n * n}
}

func TestPool_MapKeepsOrder(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 2}, square, nil)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = &Task{ID: fmt.Sprint(i), Payload: i}
	}

	results := pool.Map(context.Background(), tasks)
	for i, res := range results {
		if !res.Success {
			t.Fatalf("task %d failed: %v", i, res.Error)
		}
		if res.TaskID != fmt.Sprint(i) || res.Data.(int) != i*i {
			t.Errorf("result %d out of place: %+v", i, res)
		}
	}
	if s := pool.Stats(); s.TasksCompleted != 20 || s.TasksSubmitted != 20 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPool_FailuresRunOnce(t *testing.T) {
	var calls atomic.Int32
	failing := func(ctx context.Context, task *Task) *Result {
		calls.Add(1)
		return &Result{Error: errors.New("503 from backend")}
	}
	pool, _ := New(DefaultConfig(), failing, nil)
	pool.Start()
	defer pool.Stop()

	results := pool.Map(context.Background(), []*Task{{ID: "a"}, {ID: "b"}})
	for _, res := range results {
		if res.Success || res.Error == nil {
			t.Errorf("expected failure, got %+v", res)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected one attempt per task, got %d", calls.Load())
	}
	if pool.Stats().TasksFailed != 2 {
		t.Errorf("unexpected stats %+v", pool.Stats())
	}
}

func TestPool_SkipsCanceledTasks(t *testing.T) {
	var calls atomic.Int32
	counting := func(ctx context.Context, task *Task) *Result {
		calls.Add(1)
		return &Result{Success: true}
	}
	pool, _ := New(Config{Workers: 1}, counting, nil)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := pool.Map(context.Background(), []*Task{{ID: "a", Context: ctx}})[0]
	if !errors.Is(res.Error, context.Canceled) || calls.Load() != 0 {
		t.Errorf("expected the task to be skipped, got %+v after %d calls", res, calls.Load())
	}
}

func TestPool_MapAfterStop(t *testing.T) {
	pool, _ := New(DefaultConfig(), square, nil)
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	res := pool.Map(context.Background(), []*Task{{ID: "late", Payload: 1}})[0]
	if !errors.Is(res.Error, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", res.Error)
	}
	if pool.IsHealthy() {
		t.Error("stopped pool should not report healthy")
	}
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("expected error for nil worker function")
	}
}
