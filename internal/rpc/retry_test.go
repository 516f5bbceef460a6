package rpc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(p Policy, slept *[]time.Duration) Policy {
	p.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestDoFallsThroughEndpoints(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 3, BaseBackoff: time.Second, Endpoints: []string{"a", "b", "c"}}, &slept)

	var calls []string
	got, err := Do(context.Background(), p, func(_ context.Context, ep string) (string, error) {
		calls = append(calls, ep)
		if ep != "c" {
			return "", errors.New("down")
		}
		return "ok from " + ep, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "ok from c" {
		t.Fatalf("got=%q", got)
	}
	if len(calls) != 3 || len(slept) != 0 {
		t.Fatalf("calls=%v slept=%v", calls, slept)
	}
}

func TestDoReturnsLastErrorAfterAllAttempts(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 150 * time.Millisecond, Endpoints: []string{"a", "b"}}, &slept)

	n := 0
	last := errors.New("last")
	_, err := Do(context.Background(), p, func(_ context.Context, ep string) (int, error) {
		n++
		if n == 6 {
			return 0, last
		}
		return 0, errors.New("transient")
	})
	if !errors.Is(err, last) {
		t.Fatalf("err=%v want wrapping %v", err, last)
	}
	if n != 6 {
		t.Fatalf("calls=%d want=6", n)
	}
	want := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept=%v want=%v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept[%d]=%v want=%v", i, slept[i], want[i])
		}
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	var slept []time.Duration
	p := noSleep(DefaultPolicy("a", "b"), &slept)
	n := 0
	bad := errors.New("reverted")
	_, err := Do(context.Background(), p, func(_ context.Context, _ string) (int, error) {
		n++
		return 0, Permanent(bad)
	})
	if !errors.Is(err, bad) || n != 1 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, DefaultPolicy("a"), func(_ context.Context, _ string) (int, error) {
		t.Fatal("fn called after cancel")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestDoWithoutEndpoints(t *testing.T) {
	_, err := Do(context.Background(), Policy{}, func(_ context.Context, _ string) (int, error) { return 1, nil })
	if !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("err=%v", err)
	}
}

func TestObserveSeesEveryCall(t *testing.T) {
	var slept []time.Duration
	p := noSleep(Policy{MaxAttempts: 2, Endpoints: []string{"a", "b"}}, &slept)
	seen := map[string]int{}
	p.Observe = func(ep string, err error) {
		if err != nil {
			seen[ep]++
		}
	}
	_, _ = Do(context.Background(), p, func(_ context.Context, _ string) (int, error) {
		return 0, errors.New("x")
	})
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("seen=%v", seen)
	}
}
