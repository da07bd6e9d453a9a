package portpool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/rtunio/rtun/internal/portpool"
)

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := portpool.New(9001, 9000); !errors.Is(err, portpool.ErrInvalidRange) {
		t.Errorf("New(9001, 9000) error = %v, want ErrInvalidRange", err)
	}
	if _, err := portpool.New(0, 100); !errors.Is(err, portpool.ErrInvalidRange) {
		t.Errorf("New(0, 100) error = %v, want ErrInvalidRange", err)
	}
	if _, err := portpool.New(1, 70000); !errors.Is(err, portpool.ErrInvalidRange) {
		t.Errorf("New(1, 70000) error = %v, want ErrInvalidRange", err)
	}

	p, err := portpool.New(9001, 9010)
	if err != nil {
		t.Fatalf("New(9001, 9010) unexpected error: %v", err)
	}
	if p.Size() != 10 {
		t.Errorf("Size() = %d, want 10", p.Size())
	}
}

func TestAcquireLowestFirst(t *testing.T) {
	t.Parallel()

	p, err := portpool.New(9001, 9003)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	port, err := p.Acquire()
	if err != nil || port != 9001 {
		t.Fatalf("Acquire() = (%d, %v), want (9001, nil)", port, err)
	}

	port, err = p.Acquire()
	if err != nil || port != 9002 {
		t.Fatalf("Acquire() = (%d, %v), want (9002, nil)", port, err)
	}

	if err := p.Release(9001); err != nil {
		t.Fatalf("Release(9001): %v", err)
	}

	port, err = p.Acquire()
	if err != nil || port != 9001 {
		t.Fatalf("Acquire() after release = (%d, %v), want (9001, nil)", port, err)
	}
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()

	p, err := portpool.New(9001, 9002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if _, err := p.Acquire(); !errors.Is(err, portpool.ErrPoolExhausted) {
		t.Errorf("third Acquire() error = %v, want ErrPoolExhausted", err)
	}
}

func TestReleaseNotInUse(t *testing.T) {
	t.Parallel()

	p, err := portpool.New(9001, 9010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Release(9005); !errors.Is(err, portpool.ErrPortNotInUse) {
		t.Errorf("Release(9005) error = %v, want ErrPortNotInUse", err)
	}
}

func TestInUseAndLen(t *testing.T) {
	t.Parallel()

	p, err := portpool.New(9001, 9010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	port, _ := p.Acquire()
	if !p.InUse(port) {
		t.Errorf("InUse(%d) = false, want true", port)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	if err := p.Release(port); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.InUse(port) {
		t.Errorf("InUse(%d) = true after release, want false", port)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after release, want 0", p.Len())
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	t.Parallel()

	const rangeSize = 50
	p, err := portpool.New(9001, 9001+rangeSize-1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan int, rangeSize)

	for range rangeSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := p.Acquire()
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results <- port
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[int]struct{}, rangeSize)
	for port := range results {
		if _, dup := seen[port]; dup {
			t.Errorf("duplicate port allocated: %d", port)
		}
		seen[port] = struct{}{}
	}

	if len(seen) != rangeSize {
		t.Errorf("got %d unique ports, want %d", len(seen), rangeSize)
	}

	if _, err := p.Acquire(); !errors.Is(err, portpool.ErrPoolExhausted) {
		t.Errorf("Acquire() after filling pool error = %v, want ErrPoolExhausted", err)
	}
}
