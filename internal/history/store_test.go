package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndListRuns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.RecordRun(context.Background(), Run{
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Minute),
		Outcome:    "ok",
		Machines: []MachineRecord{
			{Nickname: "server-0", Provider: "aws", Region: "us-east-1", PublicIP: "10.0.0.1", PublicDNS: "a.example.com"},
			{Nickname: "server-1", Provider: "aws", Region: "us-east-1", PublicIP: "10.0.0.2", PublicDNS: "b.example.com"},
		},
	})
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if id == 0 {
		t.Fatal("run id is zero")
	}

	if _, err := s.RecordRun(context.Background(), Run{
		StartedAt: started.Add(time.Hour), FinishedAt: started.Add(time.Hour), Outcome: "failed",
	}); err != nil {
		t.Fatalf("second RecordRun: %v", err)
	}

	runs, err := s.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Outcome != "failed" {
		t.Errorf("runs not newest first: %+v", runs[0])
	}
	first := runs[1]
	if !first.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", first.StartedAt, started)
	}
	if len(first.Machines) != 2 || first.Machines[0].Nickname != "server-0" {
		t.Errorf("machines = %+v", first.Machines)
	}
}

func TestListRunsLimit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := s.RecordRun(context.Background(), Run{StartedAt: now, FinishedAt: now, Outcome: "ok"}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs, want limit of 3", len(runs))
	}
}
