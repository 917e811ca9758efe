package broker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakePaths struct {
	dir string
}

func (p fakePaths) OutputPath(jobID string) string {
	return filepath.Join(p.dir, jobID+".log")
}

func (p fakePaths) OutputSize(jobID string) int64 {
	info, err := os.Stat(p.OutputPath(jobID))
	if err != nil {
		return 0
	}
	return info.Size()
}

func newTestBroker(t *testing.T) (*Broker, fakePaths) {
	t.Helper()
	p := fakePaths{dir: t.TempDir()}
	return New(p), p
}

func appendOutput(t *testing.T, p fakePaths, jobID, chunk string) int64 {
	t.Helper()
	f, err := os.OpenFile(p.OutputPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	return info.Size()
}

func drain(sub *Subscription) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []byte
	for {
		chunk, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
}

func TestReplayThenFollow(t *testing.T) {
	b, p := newTestBroker(t)
	const jobID = "job-1"

	off := appendOutput(t, p, jobID, "early ")
	b.Open(jobID, off)

	sub, err := b.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	done := make(chan string, 1)
	go func() {
		got, err := drain(sub)
		if err != nil {
			t.Errorf("drain: %v", err)
		}
		done <- got
	}()

	off = appendOutput(t, p, jobID, "late")
	b.Publish(jobID, off)
	b.Close(jobID)

	if got := <-done; got != "early late" {
		t.Errorf("subscriber saw %q, want %q", got, "early late")
	}
}

func TestAllSubscribersSeeSameBytes(t *testing.T) {
	b, p := newTestBroker(t)
	const jobID = "job-1"
	b.Open(jobID, 0)

	var subs []*Subscription
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(jobID)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	results := make([]string, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			got, err := drain(sub)
			if err != nil {
				t.Errorf("drain %d: %v", i, err)
			}
			results[i] = got
		}(i, sub)
	}

	for _, chunk := range []string{"alpha ", "beta ", "gamma"} {
		off := appendOutput(t, p, jobID, chunk)
		b.Publish(jobID, off)
	}
	b.Close(jobID)
	wg.Wait()

	for i, got := range results {
		if got != "alpha beta gamma" {
			t.Errorf("subscriber %d saw %q", i, got)
		}
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b, p := newTestBroker(t)
	const jobID = "job-1"

	b.Open(jobID, 0)
	off := appendOutput(t, p, jobID, "complete output")
	b.Publish(jobID, off)
	b.Close(jobID)

	sub, err := b.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	got, err := drain(sub)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got != "complete output" {
		t.Errorf("late subscriber saw %q", got)
	}
}

func TestSubscriberDisconnectDoesNotAffectOthers(t *testing.T) {
	b, p := newTestBroker(t)
	const jobID = "job-1"
	b.Open(jobID, 0)

	quitter, err := b.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	stayer, err := b.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stayer.Close()

	quitter.Close()
	quitter.Close() // idempotent

	done := make(chan string, 1)
	go func() {
		got, err := drain(stayer)
		if err != nil {
			t.Errorf("drain: %v", err)
		}
		done <- got
	}()

	off := appendOutput(t, p, jobID, "still flowing")
	b.Publish(jobID, off)
	b.Close(jobID)

	if got := <-done; got != "still flowing" {
		t.Errorf("stayer saw %q", got)
	}
}

func TestNextHonorsContext(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Open("job-1", 0)

	sub, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestPublishUnknownJobIsNoop(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Publish("ghost", 100)
	b.Close("ghost")
}
