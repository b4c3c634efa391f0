package domain

import (
	"testing"
	"time"
)

func TestBatchTransitions(t *testing.T) {
	now := time.Now()
	record := BatchRecord{ID: "b1", State: BatchPending}

	if err := record.Transition(BatchApplying, now); err != nil {
		t.Fatalf("pending -> applying: %v", err)
	}
	if record.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", record.Attempts)
	}
	if err := record.Transition(BatchPending, now); err != nil {
		t.Fatalf("applying -> pending (retry): %v", err)
	}
	if err := record.Transition(BatchApplying, now); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if record.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", record.Attempts)
	}
	if err := record.Transition(BatchProcessed, now); err != nil {
		t.Fatalf("applying -> processed: %v", err)
	}
}

func TestBatchTerminalStatesAreFinal(t *testing.T) {
	now := time.Now()
	for _, terminal := range []BatchState{BatchProcessed, BatchFailed} {
		record := BatchRecord{ID: "b", State: terminal}
		for _, next := range []BatchState{BatchPending, BatchApplying, BatchProcessed, BatchFailed} {
			if err := record.Transition(next, now); err == nil {
				t.Fatalf("%s -> %s must be rejected", terminal, next)
			}
		}
		if !terminal.Terminal() {
			t.Fatalf("%s must report terminal", terminal)
		}
	}
}

func TestBatchIllegalEdges(t *testing.T) {
	now := time.Now()
	record := BatchRecord{ID: "b", State: BatchPending}
	if err := record.Transition(BatchProcessed, now); err == nil {
		t.Fatal("pending -> processed must be rejected")
	}
	if err := record.Transition(BatchFailed, now); err == nil {
		t.Fatal("pending -> failed must be rejected")
	}
	if record.State != BatchPending || record.Attempts != 0 {
		t.Fatalf("failed transition mutated record: %+v", record)
	}
}
