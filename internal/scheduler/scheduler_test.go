package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 10 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 12, 3, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC)) {
		t.Fatalf("对齐后的下一个 tick 错误: %s", got)
	}
	exact := time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(10 * time.Minute)) {
		t.Fatalf("恰好落在边界时应顺延一个周期: %s", got)
	}
	if got := s.slotStart(now); !got.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("slotStart 应截断到周期起点: %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 12, 3, 17, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("未对齐时应直接加一个周期: %s", got)
	}
	if got := s.slotStart(now); !got.Equal(now) {
		t.Fatalf("未对齐时 slotStart 不应截断: %s", got)
	}
}

func TestRunOnStartFiresBeforeFirstInterval(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Time, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick time.Time) error {
			fired <- tick
			cancel()
			return errors.New("tick errors are only logged")
		})
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart 应立即执行一次 tick")
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后 Run 应返回 context.Canceled, 实际: %v", err)
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		t.Fatal("延迟期间不应执行 tick")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 实际: %v", err)
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("零周期应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}
