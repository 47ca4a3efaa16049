package workspace

import (
	"context"
	"errors"
	"testing"
)

func step(name string, log *[]string, startErr error) Step {
	return Step{
		Name: name,
		Start: func(ctx context.Context) error {
			*log = append(*log, "start:"+name)
			return startErr
		},
		Stop: func() error {
			*log = append(*log, "stop:"+name)
			return nil
		},
	}
}

func TestLifecycleStopsInReverseOrder(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(step("a", &log, nil))
	m.Register(step("b", &log, nil))
	m.Register(step("c", &log, nil))

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

func TestLifecycleStartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(step("a", &log, nil))
	m.Register(step("b", &log, errors.New("port in use")))
	m.Register(step("c", &log, nil))

	err := m.Start(context.Background())
	if err == nil || err.Error() != "start b: port in use" {
		t.Fatalf("err = %v", err)
	}

	want := []string{"start:a", "start:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
}

func TestLifecycleStopFailureContinues(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(step("a", &log, nil))
	m.Register(Step{
		Name:  "broken",
		Start: func(ctx context.Context) error { return nil },
		Stop:  func() error { return errors.New("hung") },
	})
	m.Register(step("c", &log, nil))

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	// a still stops even though "broken" errored.
	last := log[len(log)-1]
	if last != "stop:a" {
		t.Errorf("log = %v", log)
	}
}

func TestLifecycleNilFuncsAreNoOps(t *testing.T) {
	m := NewLifecycleManager()
	m.Register(Step{Name: "bare"})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Stop()
}
