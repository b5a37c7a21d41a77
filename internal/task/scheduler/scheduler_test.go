package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ticketgrab/internal/task/engine"
	logx "ticketgrab/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	s := New(Config{Timezone: "Asia/Shanghai"}, eng, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, eng
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestValidateCron(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil)
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0 8 * * *", false},
		{"*/30 * * * * *", false},
		{"@hourly", false},
		{"", true},
		{"not a cron", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.spec, func(t *testing.T) {
			err := s.ValidateCron(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateCron(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
}

func TestNextRunsUsesTimezone(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "Asia/Shanghai"}, nil, logx.Nop(), nil)
	runs, err := s.NextRuns("0 8 * * *", 3)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	for _, r := range runs {
		if r.Hour() != 8 || r.Minute() != 0 || r.Location().String() != "Asia/Shanghai" {
			t.Fatalf("run = %v, want 08:00 Asia/Shanghai", r)
		}
	}
}

func TestAddIntervalUpsertKeepsOneDefinition(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	job := func(ctx context.Context) error { return nil }
	for i := 0; i < 3; i++ {
		if err := s.AddInterval("task:1", 5*time.Second, 0, engine.TaskOptions{}, job); err != nil {
			t.Fatalf("AddInterval: %v", err)
		}
	}
	if got := s.Names("task:"); len(got) != 1 {
		t.Fatalf("Names = %v, want exactly one", got)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot schedules = %+v", snap.Schedules)
	}
	if !s.Remove("task:1") || s.Has("task:1") {
		t.Fatalf("Remove did not drop the schedule")
	}
	if s.Remove("task:1") {
		t.Fatalf("second Remove should report false")
	}
}

func TestAddIntervalRejectsSubSecond(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.AddInterval("x", 500*time.Millisecond, 0, engine.TaskOptions{}, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for sub-second interval")
	}
}

func TestTriggerCoalescesWhileRunning(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	release := make(chan struct{})
	var runs atomic.Int32
	err := s.AddInterval("task:9", time.Hour, 0, engine.TaskOptions{}, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	if err := s.Trigger("task:9"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	eventually(t, func() bool { return runs.Load() == 1 })
	if !s.Busy("task:9") {
		t.Fatalf("schedule should be busy while the job runs")
	}
	if err := s.Trigger("task:9"); err != engine.ErrOverlapSkip {
		t.Fatalf("second Trigger = %v, want ErrOverlapSkip", err)
	}
	close(release)
	eventually(t, func() bool { return !s.Busy("task:9") })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	if err := s.Trigger("missing"); err != ErrNotFound {
		t.Fatalf("Trigger(missing) = %v, want ErrNotFound", err)
	}
}

func TestReaddedScheduleSeesRunningJob(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	release := make(chan struct{})
	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}
	if err := s.AddInterval("task:4", time.Hour, 0, engine.TaskOptions{}, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Trigger("task:4"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return runs.Load() == 1 })

	if !s.Remove("task:4") {
		t.Fatalf("Remove reported no schedule")
	}
	if !s.Busy("task:4") {
		t.Fatalf("removed schedule should still report its running job")
	}
	if err := s.AddInterval("task:4", time.Hour, 0, engine.TaskOptions{}, job); err != nil {
		t.Fatal(err)
	}
	if err := s.Trigger("task:4"); err != engine.ErrOverlapSkip {
		t.Fatalf("Trigger after re-add = %v, want ErrOverlapSkip", err)
	}
	close(release)
	eventually(t, func() bool { return !s.Busy("task:4") })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if err := s.Trigger("task:4"); err != nil {
		t.Fatalf("Trigger once idle: %v", err)
	}
	eventually(t, func() bool { return runs.Load() == 2 })
}

func TestCronFires(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	var runs atomic.Int32
	if err := s.AddCron("global-trigger", "* * * * * *", 0, engine.TaskOptions{}, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	eventually(t, func() bool { return runs.Load() >= 1 })
}
