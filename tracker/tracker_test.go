package tracker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

type fakeWorker struct {
	mu     sync.Mutex
	killed int
}

func (f *fakeWorker) Pid() int { return 4242 }

func (f *fakeWorker) KillTree() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *fakeWorker) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New(Config{GracePeriod: 50 * time.Millisecond})
	t.Cleanup(tr.Close)
	return tr
}

func register(t *testing.T, tr *Tracker, opType types.OperationType, metadata map[string]any) (*types.Operation, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	op, err := tr.Register(opType, string(opType), cancel, metadata)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return op, ctx
}

func TestRegister(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeCacheClearing, nil)

	if op.ID == "" {
		t.Error("Register() returned empty id")
	}
	if op.Status != types.StatusRunning {
		t.Errorf("Status = %v, want %v", op.Status, types.StatusRunning)
	}
	if op.PercentComplete != 0 {
		t.Errorf("PercentComplete = %v, want 0", op.PercentComplete)
	}
	if op.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}

	got, err := tr.GetOperation(op.ID)
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if got.ID != op.ID {
		t.Errorf("GetOperation().ID = %q, want %q", got.ID, op.ID)
	}
}

func TestRegister_DuplicateEntityKey(t *testing.T) {
	tr := newTestTracker(t)

	meta := map[string]any{types.EntityKeyMetadata: "epicgames"}
	first, _ := register(t, tr, types.OpTypeServiceRemoval, meta)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := tr.Register(types.OpTypeServiceRemoval, "service removal", cancel, map[string]any{
		types.EntityKeyMetadata: "epicgames",
	})
	if !types.IsAlreadyInProgress(err) {
		t.Fatalf("Register() error = %v, want AlreadyInProgress", err)
	}

	// Same key under a different operation type is allowed.
	other, _ := register(t, tr, types.OpTypeGameRemoval, map[string]any{
		types.EntityKeyMetadata: "epicgames",
	})
	if other.ID == first.ID {
		t.Error("distinct operations share an id")
	}

	// Completing the holder frees the key.
	tr.Complete(first.ID, true, "")
	replacement, _ := register(t, tr, types.OpTypeServiceRemoval, meta)
	if replacement.ID == first.ID {
		t.Error("replacement reused completed operation id")
	}
}

func TestGetOperationByEntityKey(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeGameRemoval, map[string]any{
		types.EntityKeyMetadata: "730",
	})

	got, err := tr.GetOperationByEntityKey(types.OpTypeGameRemoval, "730")
	if err != nil {
		t.Fatalf("GetOperationByEntityKey() error = %v", err)
	}
	if got.ID != op.ID {
		t.Errorf("id = %q, want %q", got.ID, op.ID)
	}

	if _, err := tr.GetOperationByEntityKey(types.OpTypeGameRemoval, "999"); !types.IsNotFound(err) {
		t.Errorf("unknown key error = %v, want NotFound", err)
	}

	// Terminal transition releases the index even while the operation
	// is still reachable by id.
	tr.Complete(op.ID, true, "")
	if _, err := tr.GetOperationByEntityKey(types.OpTypeGameRemoval, "730"); !types.IsNotFound(err) {
		t.Errorf("post-complete key error = %v, want NotFound", err)
	}
	if _, err := tr.GetOperation(op.ID); err != nil {
		t.Errorf("GetOperation() during grace window error = %v", err)
	}
}

func TestCancel(t *testing.T) {
	tr := newTestTracker(t)

	op, ctx := register(t, tr, types.OpTypeGameDetection, nil)

	if err := tr.Cancel(op.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel signal never fired")
	}

	got, _ := tr.GetOperation(op.ID)
	if got.Status != types.StatusCancelling {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusCancelling)
	}

	// Second cancel is a no-op success.
	if err := tr.Cancel(op.ID); err != nil {
		t.Errorf("repeat Cancel() error = %v", err)
	}

	if err := tr.Cancel("no-such-op"); !types.IsNotFound(err) {
		t.Errorf("unknown Cancel() error = %v, want NotFound", err)
	}
}

func TestForceKill(t *testing.T) {
	tr := newTestTracker(t)

	op, ctx := register(t, tr, types.OpTypeCacheClearing, nil)
	worker := &fakeWorker{}
	tr.AttachWorker(op.ID, worker)

	if err := tr.ForceKill(op.ID); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel signal never fired")
	}
	if worker.killCount() != 1 {
		t.Errorf("kill count = %d, want 1", worker.killCount())
	}

	got, _ := tr.GetOperation(op.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusCancelled)
	}
	if !got.Cancelled {
		t.Error("Cancelled = false")
	}
	if got.Message != ForceKillMessage {
		t.Errorf("Message = %q, want %q", got.Message, ForceKillMessage)
	}

	// Progress arriving after the kill must not resurrect the operation.
	tr.UpdateProgress(op.ID, 55, "still working")
	got, _ = tr.GetOperation(op.ID)
	if got.Status != types.StatusCancelled || got.Message != ForceKillMessage {
		t.Errorf("terminal state mutated: status %v message %q", got.Status, got.Message)
	}

	// Idempotent.
	if err := tr.ForceKill(op.ID); err != nil {
		t.Errorf("repeat ForceKill() error = %v", err)
	}
	if worker.killCount() != 1 {
		t.Errorf("kill count after repeat = %d, want 1", worker.killCount())
	}

	if err := tr.ForceKill("no-such-op"); !types.IsNotFound(err) {
		t.Errorf("unknown ForceKill() error = %v, want NotFound", err)
	}
}

func TestForceKill_NoWorkerStillSignalsCancel(t *testing.T) {
	tr := newTestTracker(t)

	// No worker attached: the background task is between helper spawns.
	// The cancel handle is the only way to stop it.
	op, ctx := register(t, tr, types.OpTypeGameDetection, nil)

	if err := tr.ForceKill(op.ID); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel signal never fired without an attached worker")
	}

	got, _ := tr.GetOperation(op.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusCancelled)
	}
}

func TestTerminalTransitionEndsContext(t *testing.T) {
	tr := newTestTracker(t)

	// Complete must release the registered context so nothing derived
	// from it outlives the operation.
	op, ctx := register(t, tr, types.OpTypeCacheClearing, nil)
	tr.Complete(op.ID, true, "")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context still live after Complete")
	}

	op2, ctx2 := register(t, tr, types.OpTypeLogProcessing, nil)
	tr.CompleteCancelled(op2.ID, "")
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("context still live after CompleteCancelled")
	}
}

func TestUpdateProgress(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeLogProcessing, nil)

	tr.UpdateProgress(op.ID, 42.5, "processing logs")
	got, _ := tr.GetOperation(op.ID)
	if got.PercentComplete != 42.5 {
		t.Errorf("PercentComplete = %v, want 42.5", got.PercentComplete)
	}
	if got.Message != "processing logs" {
		t.Errorf("Message = %q", got.Message)
	}

	// Empty message keeps the previous one.
	tr.UpdateProgress(op.ID, 50, "")
	got, _ = tr.GetOperation(op.ID)
	if got.Message != "processing logs" {
		t.Errorf("Message = %q, want previous retained", got.Message)
	}

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{name: "negative clamps to zero", in: -10, want: 0},
		{name: "overflow clamps to hundred", in: 180, want: 100},
		{name: "boundary passes", in: 100, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.UpdateProgress(op.ID, tt.in, "")
			got, _ := tr.GetOperation(op.ID)
			if got.PercentComplete != tt.want {
				t.Errorf("PercentComplete = %v, want %v", got.PercentComplete, tt.want)
			}
		})
	}

	// Unknown id must not panic.
	tr.UpdateProgress("no-such-op", 10, "x")
}

func TestUpdateMetadata(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeGameDetection, nil)

	tr.UpdateMetadata(op.ID, func(m map[string]any) {
		m["games_found"] = 7
	})
	got, _ := tr.GetOperation(op.ID)
	if got.Metadata["games_found"] != 7 {
		t.Errorf("Metadata[games_found] = %v, want 7", got.Metadata["games_found"])
	}

	tr.Complete(op.ID, true, "")
	tr.UpdateMetadata(op.ID, func(m map[string]any) {
		m["games_found"] = 99
	})
	got, _ = tr.GetOperation(op.ID)
	if got.Metadata["games_found"] != 7 {
		t.Error("metadata mutated after terminal transition")
	}
}

func TestComplete(t *testing.T) {
	tr := newTestTracker(t)

	t.Run("success", func(t *testing.T) {
		op, _ := register(t, tr, types.OpTypeCorruptionDetection, nil)
		tr.UpdateProgress(op.ID, 90, "almost done")
		tr.Complete(op.ID, true, "")

		got, _ := tr.GetOperation(op.ID)
		if got.Status != types.StatusCompleted {
			t.Errorf("Status = %v, want %v", got.Status, types.StatusCompleted)
		}
		if !got.Success {
			t.Error("Success = false")
		}
		if got.PercentComplete != 100 {
			t.Errorf("PercentComplete = %v, want 100", got.PercentComplete)
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt is nil")
		}
	})

	t.Run("failure", func(t *testing.T) {
		op, _ := register(t, tr, types.OpTypeCorruptionDetection, nil)
		tr.Complete(op.ID, false, "worker exited with code 2")

		got, _ := tr.GetOperation(op.ID)
		if got.Status != types.StatusFailed {
			t.Errorf("Status = %v, want %v", got.Status, types.StatusFailed)
		}
		if got.Success {
			t.Error("Success = true")
		}
		if got.Error != "worker exited with code 2" {
			t.Errorf("Error = %q", got.Error)
		}
	})

	t.Run("terminal is sticky", func(t *testing.T) {
		op, _ := register(t, tr, types.OpTypeCorruptionDetection, nil)
		tr.Complete(op.ID, false, "boom")
		first, _ := tr.GetOperation(op.ID)

		tr.Complete(op.ID, true, "")
		got, _ := tr.GetOperation(op.ID)
		if got.Status != types.StatusFailed || got.CompletedAt == nil || !got.CompletedAt.Equal(*first.CompletedAt) {
			t.Error("second Complete() mutated terminal operation")
		}
	})
}

func TestCompleteCancelled(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeCacheClearing, nil)
	if err := tr.Cancel(op.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	tr.CompleteCancelled(op.ID, "Cache clearing cancelled")

	got, _ := tr.GetOperation(op.ID)
	if got.Status != types.StatusCancelled {
		t.Errorf("Status = %v, want %v", got.Status, types.StatusCancelled)
	}
	if !got.Cancelled {
		t.Error("Cancelled = false")
	}
	if got.Message != "Cache clearing cancelled" {
		t.Errorf("Message = %q", got.Message)
	}

	// After ForceKill the background task's own acknowledgement is a
	// no-op so the terminal message stays intact.
	killed, _ := register(t, tr, types.OpTypeCacheClearing, nil)
	if err := tr.ForceKill(killed.ID); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}
	tr.CompleteCancelled(killed.ID, "Cache clearing cancelled")
	got, _ = tr.GetOperation(killed.ID)
	if got.Message != ForceKillMessage {
		t.Errorf("Message = %q, want %q", got.Message, ForceKillMessage)
	}
}

func TestGraceEviction(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeGameDetection, nil)
	tr.Complete(op.ID, true, "")

	if _, err := tr.GetOperation(op.ID); err != nil {
		t.Fatalf("operation gone before grace expired: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := tr.GetOperation(op.ID); types.IsNotFound(err) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("operation never evicted after grace period")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetActiveOperations(t *testing.T) {
	tr := newTestTracker(t)

	first, _ := register(t, tr, types.OpTypeGameDetection, nil)
	second, _ := register(t, tr, types.OpTypeCacheClearing, nil)
	third, _ := register(t, tr, types.OpTypeGameDetection, nil)

	all := tr.GetActiveOperations()
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].ID != first.ID {
		t.Errorf("first by start time = %q, want %q", all[0].ID, first.ID)
	}

	detections := tr.GetActiveOperations(types.OpTypeGameDetection)
	if len(detections) != 2 {
		t.Fatalf("len(detections) = %d, want 2", len(detections))
	}
	for _, op := range detections {
		if op.Type != types.OpTypeGameDetection {
			t.Errorf("filtered result has type %v", op.Type)
		}
	}

	both := tr.GetActiveOperations(types.OpTypeGameDetection, types.OpTypeCacheClearing)
	if len(both) != 3 {
		t.Errorf("len(both) = %d, want 3", len(both))
	}
	_ = second
	_ = third
}

func TestGetOperationReturnsCopy(t *testing.T) {
	tr := newTestTracker(t)

	op, _ := register(t, tr, types.OpTypeGameDetection, map[string]any{"k": "v"})

	got, _ := tr.GetOperation(op.ID)
	got.Status = types.StatusFailed
	got.Metadata["k"] = "mutated"

	fresh, _ := tr.GetOperation(op.ID)
	if fresh.Status != types.StatusRunning {
		t.Errorf("Status = %v, caller mutation leaked into tracker", fresh.Status)
	}
	if fresh.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v, caller mutation leaked into tracker", fresh.Metadata)
	}
}

func TestRegister_ErrorNamesHolder(t *testing.T) {
	tr := newTestTracker(t)

	meta := map[string]any{types.EntityKeyMetadata: "cache-clear"}
	op, _ := register(t, tr, types.OpTypeCacheClearing, meta)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := tr.Register(types.OpTypeCacheClearing, "clear", cancel, meta)
	if err == nil || !strings.Contains(err.Error(), op.ID) {
		t.Errorf("error %v does not name the holding operation", err)
	}
}

func TestOnTerminalHook(t *testing.T) {
	var mu sync.Mutex
	var seen []*types.Operation
	tr := New(Config{
		GracePeriod: 50 * time.Millisecond,
		OnTerminal: func(op *types.Operation) {
			mu.Lock()
			seen = append(seen, op)
			mu.Unlock()
		},
	})
	t.Cleanup(tr.Close)

	completed, _ := register(t, tr, types.OpTypeCacheClearing, nil)
	tr.Complete(completed.ID, true, "")

	failed, _ := register(t, tr, types.OpTypeGameDetection, nil)
	tr.Complete(failed.ID, false, "detector exited with code 2")
	tr.Complete(failed.ID, false, "again") // sticky, no second firing

	cancelled, _ := register(t, tr, types.OpTypeCorruptionRemoval, nil)
	tr.CompleteCancelled(cancelled.ID, "")

	killed, _ := register(t, tr, types.OpTypePrefill, nil)
	if err := tr.ForceKill(killed.ID); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("hook fired %d times, want 4", len(seen))
	}
	byID := map[string]*types.Operation{}
	for _, op := range seen {
		if !op.Status.IsTerminal() {
			t.Errorf("hook observed non-terminal snapshot %v", op.Status)
		}
		byID[op.ID] = op
	}
	if op := byID[completed.ID]; op == nil || !op.Success {
		t.Errorf("completed snapshot = %+v", op)
	}
	if op := byID[failed.ID]; op == nil || op.Error != "detector exited with code 2" {
		t.Errorf("failed snapshot = %+v", op)
	}
	if op := byID[cancelled.ID]; op == nil || !op.Cancelled {
		t.Errorf("cancelled snapshot = %+v", op)
	}
	if op := byID[killed.ID]; op == nil || !op.Cancelled || op.Message != ForceKillMessage {
		t.Errorf("force-killed snapshot = %+v", op)
	}
}
