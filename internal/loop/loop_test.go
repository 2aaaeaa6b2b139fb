package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New(nil)
	l.Start(ctx)
	t.Cleanup(cancel)
	return l
}

func TestPostRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Do(func() {
		for i, v := range got {
			if v != i {
				t.Fatalf("got[%d] = %d", i, v)
			}
		}
	})
}

func TestAsyncDeliversOnLoop(t *testing.T) {
	l := startLoop(t)

	var result string
	var resultErr error
	Async(l, context.Background(), func(context.Context) (string, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", errors.New("boom")
	}, func(v string, err error) {
		result, resultErr = v, err
	})

	if err := l.WaitIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Do(func() {
		if result != "ok" || resultErr == nil {
			t.Errorf("result = %q, %v", result, resultErr)
		}
	})
}

func TestPostAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(nil)
	l.Start(ctx)
	cancel()
	<-l.Done()

	if l.Post(func() {}) {
		t.Error("Post after stop returned true")
	}
	if l.Do(func() {}) {
		t.Error("Do after stop returned true")
	}
}

func TestAfterFunc(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStop(t *testing.T) {
	l := startLoop(t)

	fired := make(chan struct{}, 1)
	tm := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	tm.Stop()

	select {
	case <-fired:
		t.Error("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
