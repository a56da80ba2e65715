package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"time"

	"github.com/jirevwe/divvy"
)

// Built-in demo tasks, selectable from a task definition file:
//
//	task: checksum
//	params:
//	  count: 10
func init() {
	divvy.Register("checksum", newChecksumTask)
	divvy.Register("sleep", newSleepTask)
}

// checksumTask prints "<pid> <n> <sha1(n)>" for each integer 0..count-1.
type checksumTask struct {
	divvy.TaskDefaults
	count int
}

func newChecksumTask(params map[string]any) (divvy.Task, error) {
	return &checksumTask{count: intParam(params, "count", 10)}, nil
}

func (t *checksumTask) Dispatch(ctx context.Context) <-chan divvy.Item {
	out := make(chan divvy.Item)
	go func() {
		defer close(out)
		for n := 0; n < t.count; n++ {
			select {
			case out <- divvy.Item{n}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (t *checksumTask) Perform(_ context.Context, item divvy.Item) error {
	n := fmt.Sprint(item[0])
	sum := sha1.Sum([]byte(n))
	fmt.Printf("%d %s %x\n", os.Getpid(), n, sum)
	return nil
}

// sleepTask sleeps for a fixed duration per item, for load and shutdown
// experiments.
type sleepTask struct {
	divvy.TaskDefaults
	count int
	pause time.Duration
}

func newSleepTask(params map[string]any) (divvy.Task, error) {
	ms := intParam(params, "duration_ms", 100)
	return &sleepTask{
		count: intParam(params, "count", 10),
		pause: time.Duration(ms) * time.Millisecond,
	}, nil
}

func (t *sleepTask) Dispatch(ctx context.Context) <-chan divvy.Item {
	out := make(chan divvy.Item)
	go func() {
		defer close(out)
		for n := 0; n < t.count; n++ {
			select {
			case out <- divvy.Item{n}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (t *sleepTask) Perform(ctx context.Context, item divvy.Item) error {
	select {
	case <-time.After(t.pause):
	case <-ctx.Done():
	}
	fmt.Printf("%d slept %v for item %v\n", os.Getpid(), t.pause, item[0])
	return nil
}

func intParam(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
