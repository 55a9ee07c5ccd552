package rtp

import (
	"errors"
	"testing"
)

func TestPoolAcquireAscending(t *testing.T) {
	p, err := NewPool(12000, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, want := range []int{12000, 12001, 12002} {
		got, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got != want {
			t.Errorf("acquire %d = %d, want %d", i, got, want)
		}
	}

	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestPoolReleaseLowestFirst(t *testing.T) {
	p, err := NewPool(12000, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := p.Acquire(); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	// Release out of order; reacquisition must be lowest-free-first.
	p.Release(12002)
	p.Release(12000)
	p.Release(12003)

	for _, want := range []int{12000, 12002, 12003} {
		got, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
		if got != want {
			t.Errorf("acquire = %d, want %d", got, want)
		}
	}
}

func TestPoolReleaseUnknownIsNoop(t *testing.T) {
	p, err := NewPool(12000, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Unknown and double releases must not grow the free set.
	p.Release(9999)
	p.Release(12000)

	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if a != 12000 || b != 12001 {
		t.Errorf("acquired %d, %d; want 12000, 12001", a, b)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted after double release, got %v", err)
	}

	p.Release(12001)
	p.Release(12001)
	if got, _ := p.Acquire(); got != 12001 {
		t.Errorf("acquire = %d, want 12001", got)
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrExhausted) {
		t.Errorf("double release must not duplicate port, got %v", err)
	}
}

func TestPoolInUse(t *testing.T) {
	p, err := NewPool(12000, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.InUse(); got != 0 {
		t.Errorf("InUse = %d, want 0", got)
	}
	port, _ := p.Acquire()
	if got := p.InUse(); got != 1 {
		t.Errorf("InUse = %d, want 1", got)
	}
	p.Release(port)
	if got := p.InUse(); got != 0 {
		t.Errorf("InUse after release = %d, want 0", got)
	}
}

func TestNewPoolValidation(t *testing.T) {
	tests := []struct {
		name  string
		start int
		size  int
	}{
		{"start below 1024", 80, 10},
		{"zero size", 12000, 0},
		{"range past 65535", 65530, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.start, tt.size); err == nil {
				t.Errorf("NewPool(%d, %d) expected error", tt.start, tt.size)
			}
		})
	}
}
