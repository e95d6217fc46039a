package queue

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTask(id string, priority int) *Task {
	return &Task{ID: id, Type: TaskEntityUpsert, Priority: priority, MaxRetries: 3, CreatedAt: time.Now().UTC()}
}

func TestEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	m := New(Config{Partitions: 1})
	if err := m.Enqueue(newTask("low-1", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(newTask("high-1", 9)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(newTask("low-2", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch := m.DequeueBatch(0, 10)
	if len(batch) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(batch))
	}
	if batch[0].ID != "high-1" {
		t.Fatalf("expected highest priority first, got %s", batch[0].ID)
	}
	if batch[1].ID != "low-1" || batch[2].ID != "low-2" {
		t.Fatalf("expected FIFO among equal priority, got %s then %s", batch[1].ID, batch[2].ID)
	}
}

func TestEnqueueRejectsOnBackpressure(t *testing.T) {
	m := New(Config{Partitions: 2, BackpressureThreshold: 2, MaxSize: 10})
	if err := m.Enqueue(newTask("t1", 5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(newTask("t2", 5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Enqueue(newTask("t3", 5)); err == nil {
		t.Fatal("expected QueueOverflow once total depth reaches the backpressure threshold")
	}
}

func TestHashStrategyIsDeterministicPerKey(t *testing.T) {
	m := New(Config{Partitions: 4, Strategy: StrategyHash})
	task := &Task{ID: "x", PartitionKey: "file/a.go"}
	idx1 := m.partitionFor(task)
	idx2 := m.partitionFor(task)
	if idx1 != idx2 {
		t.Fatalf("expected hash routing to be stable, got %d then %d", idx1, idx2)
	}
}

func TestRequeueTaskSchedulesWithBackoffAndDropsAfterMaxRetries(t *testing.T) {
	m := New(Config{Partitions: 1, DefaultRetryDelay: time.Millisecond})
	task := newTask("retry-me", 5)
	task.MaxRetries = 2

	if ok := m.RequeueTask(task, fmt.Errorf("boom")); !ok {
		t.Fatal("expected first retry to be accepted")
	}
	if task.ScheduledAt.IsZero() {
		t.Fatal("expected ScheduledAt to be set")
	}

	if ok := m.RequeueTask(task, fmt.Errorf("boom again")); ok {
		t.Fatal("expected the task to be dropped once retryCount reaches maxRetries")
	}
}

func TestProcessScheduledTasksPromotesElapsedRetries(t *testing.T) {
	m := New(Config{Partitions: 1})
	task := newTask("delayed", 5)
	task.ScheduledAt = time.Now().UTC().Add(-time.Second)

	m.partitions[0].scheduled = append(m.partitions[0].scheduled, task)
	promoted := m.ProcessScheduledTasks()
	if promoted != 1 {
		t.Fatalf("expected 1 promoted task, got %d", promoted)
	}
	batch := m.DequeueBatch(0, 10)
	if len(batch) != 1 || batch[0].ID != "delayed" {
		t.Fatalf("expected the promoted task to be dequeueable, got %+v", batch)
	}
}

func TestSchedulerPromotesElapsedRetries(t *testing.T) {
	m := New(Config{Partitions: 1, DefaultRetryDelay: time.Millisecond})
	task := newTask("retry-me", 5)
	task.MaxRetries = 3
	m.RequeueTask(task, fmt.Errorf("boom"))

	m.StartScheduler(10 * time.Millisecond)
	defer m.StopScheduler()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(m.DequeueBatch(0, 10)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the scheduler to promote the retried task back to ready within the timeout")
}

func TestDequeueByPriorityDrainsAcrossPartitions(t *testing.T) {
	m := New(Config{Partitions: 4, Strategy: StrategyHash})
	for i, p := range []int{1, 9, 5, 3} {
		task := &Task{ID: fmt.Sprintf("t%d", i), PartitionKey: fmt.Sprintf("k%d", i), Priority: p}
		if err := m.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	top := m.DequeueByPriority(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(top))
	}
	if top[0].Priority != 9 || top[1].Priority != 5 {
		t.Fatalf("expected the two highest priorities first, got %+v", top)
	}
}
