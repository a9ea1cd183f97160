package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hepic-lab/hepic/internal/domain"
)

func TestFrameBus_DropOldest(t *testing.T) {
	bus := NewFrameBus([]domain.SourceID{"a"}, 2)

	var lastDrop *domain.BusError
	for i := uint64(1); i <= 5; i++ {
		accepted, dropped := bus.Push(frameAt("a", i, time.Duration(i)))
		if !accepted {
			t.Fatalf("push %d not accepted", i)
		}
		if dropped != nil {
			lastDrop = dropped
		}
	}

	var got []uint64
	for {
		f, ok := bus.Pop("a")
		if !ok {
			break
		}
		got = append(got, f.Seq)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("consumer saw %v, want [4 5]", got)
	}

	stats := bus.Stats("a")
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
	if stats.Pushed != 5 {
		t.Errorf("Pushed = %d, want 5", stats.Pushed)
	}
	if lastDrop == nil || lastDrop.Dropped != 3 {
		t.Errorf("last BusError = %v, want Dropped 3", lastDrop)
	}
}

func TestFrameBus_NewestAlwaysRetained(t *testing.T) {
	for _, capacity := range []int{1, 2, 3, 8} {
		bus := NewFrameBus([]domain.SourceID{"a"}, capacity)
		for i := uint64(1); i <= 20; i++ {
			bus.Push(frameAt("a", i, 0))

			frames, _, _ := bus.Drain()
			if len(frames) == 0 || frames[len(frames)-1].Seq != i {
				t.Fatalf("capacity %d: newest frame %d missing after push", capacity, i)
			}
			for _, f := range frames {
				bus.Push(f)
			}
		}
	}
}

func TestFrameBus_UnknownSource(t *testing.T) {
	bus := NewFrameBus([]domain.SourceID{"a"}, 2)
	if accepted, _ := bus.Push(frameAt("b", 1, 0)); accepted {
		t.Error("push for unknown source accepted")
	}
}

func TestFrameBus_DrainOrderAndClose(t *testing.T) {
	bus := NewFrameBus([]domain.SourceID{"b", "a"}, 4)
	bus.Push(frameAt("b", 1, 0))
	bus.Push(frameAt("a", 1, 0))
	bus.Push(frameAt("a", 2, 0))

	frames, closed, done := bus.Drain()
	if done || len(closed) != 0 {
		t.Fatalf("done=%v closed=%v on open bus", done, closed)
	}
	if len(frames) != 3 || frames[0].Source != "a" || frames[1].Seq != 2 || frames[2].Source != "b" {
		t.Errorf("unexpected drain order: %+v", frames)
	}

	bus.CloseSource("a")
	if accepted, _ := bus.Push(frameAt("a", 3, 0)); accepted {
		t.Error("push accepted after CloseSource")
	}
	_, closed, _ = bus.Drain()
	if len(closed) != 1 || closed[0] != "a" {
		t.Errorf("closed = %v, want [a]", closed)
	}
	_, closed, _ = bus.Drain()
	if len(closed) != 0 {
		t.Errorf("closed source reported twice: %v", closed)
	}

	bus.Push(frameAt("b", 2, 0))
	bus.Close()
	frames, _, done = bus.Drain()
	if !done {
		t.Error("done = false after Close")
	}
	if len(frames) != 1 {
		t.Errorf("frames queued before Close lost: %d", len(frames))
	}
}

func TestFrameBus_Wait(t *testing.T) {
	bus := NewFrameBus([]domain.SourceID{"a"}, 2)

	if bus.Wait(context.Background(), 10*time.Millisecond) {
		t.Error("Wait returned true without a push")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Push(frameAt("a", 1, 0))
	}()
	if !bus.Wait(context.Background(), time.Second) {
		t.Error("Wait did not wake on push")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if bus.Wait(ctx, time.Second) {
		t.Error("Wait returned true on canceled context")
	}
}

func TestFrameBus_ConcurrentProducers(t *testing.T) {
	ids := []domain.SourceID{"a", "b", "c"}
	bus := NewFrameBus(ids, 4)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.SourceID) {
			defer wg.Done()
			for i := uint64(1); i <= 1000; i++ {
				bus.Push(frameAt(id, i, 0))
			}
		}(id)
	}

	var total int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frames, _, closed := bus.Drain()
			total += len(frames)
			if closed {
				return
			}
			bus.Wait(context.Background(), time.Millisecond)
		}
	}()

	wg.Wait()
	bus.Close()
	<-done

	for _, id := range ids {
		st := bus.Stats(id)
		if st.Pushed != 1000 {
			t.Errorf("%s: pushed %d, want 1000", id, st.Pushed)
		}
	}
	if total == 0 {
		t.Error("consumer saw no frames")
	}
}
