package device

import (
	"errors"
	"math"
	"testing"
)

func TestAllocWithinBudget(t *testing.T) {
	d := New(0, 1024)
	if err := d.Alloc(512); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := d.Alloc(512); err != nil {
		t.Fatalf("alloc to the limit: %v", err)
	}
	if d.Used() != 1024 {
		t.Fatalf("used %d, want 1024", d.Used())
	}
	d.Free(1024)
	if d.Used() != 0 {
		t.Fatalf("used %d after free, want 0", d.Used())
	}
}

func TestAllocExhaustion(t *testing.T) {
	d := New(1, 100)
	if err := d.Alloc(90); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	err := d.Alloc(20)
	if err == nil {
		t.Fatal("expected out-of-memory")
	}
	var oom *ErrOutOfMemory
	if !errors.As(err, &oom) {
		t.Fatalf("expected *ErrOutOfMemory, got %T", err)
	}
	if oom.Want != 20 || oom.Have != 10 {
		t.Errorf("oom detail: want=%d have=%d", oom.Want, oom.Have)
	}
	// A failed alloc must not leak accounting.
	if d.Used() != 90 {
		t.Errorf("used %d after failed alloc, want 90", d.Used())
	}
}

func TestUnboundedDevice(t *testing.T) {
	d := New(2, 0)
	if err := d.Alloc(1 << 40); err != nil {
		t.Fatalf("unbounded device refused alloc: %v", err)
	}
}

func TestPlanContiguous(t *testing.T) {
	devices := []*Device{New(0, 0), New(1, 0), New(2, 0)}
	p, err := Plan(8, devices)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	// Contiguity: device index never decreases across blocks.
	prev := -1
	counts := map[int]int{}
	for blk := 0; blk < 8; blk++ {
		di := p.DeviceFor(blk).ID()
		if di < prev {
			t.Fatalf("placement not contiguous: block %d on dev%d after dev%d", blk, di, prev)
		}
		prev = di
		counts[di]++
	}
	// 8 over 3 devices front-loads: 3, 3, 2.
	if counts[0] != 3 || counts[1] != 3 || counts[2] != 2 {
		t.Errorf("split %v, want 3/3/2", counts)
	}

	// Boundaries fall exactly where the device changes.
	var boundaries int
	for blk := 0; blk < 8; blk++ {
		if p.Boundary(blk) {
			boundaries++
		}
	}
	if boundaries != 2 {
		t.Errorf("%d boundaries, want 2", boundaries)
	}
}

func TestTransfer(t *testing.T) {
	a, b := New(0, 0), New(1, 0)
	p, err := Plan(2, []*Device{a, b})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	data := []float32{1, 2, 3}
	same := p.Transfer(data, a, a)
	if &same[0] != &data[0] {
		t.Error("same-device transfer should be a passthrough")
	}

	moved := p.Transfer(data, a, b)
	if &moved[0] == &data[0] {
		t.Error("cross-device transfer must copy")
	}
	for i := range data {
		if moved[i] != data[i] {
			t.Fatalf("element %d changed in transit", i)
		}
	}
}

func TestPlanErrors(t *testing.T) {
	if _, err := Plan(4, nil); err == nil {
		t.Error("expected error for zero devices")
	}
	if _, err := Plan(0, []*Device{New(0, 0)}); err == nil {
		t.Error("expected error for zero blocks")
	}
}

func TestComputeActivationStats(t *testing.T) {
	data := []float32{-2, 0, 2, float32(math.NaN()), float32(math.Inf(1))}
	stats := ComputeActivationStats(data)
	if stats.Min != -2 {
		t.Errorf("min: got %v, want -2", stats.Min)
	}
	if stats.NaNs != 1 || stats.Infs != 1 {
		t.Errorf("non-finite counts: nans %d infs %d, want 1 and 1", stats.NaNs, stats.Infs)
	}

	finite := ComputeActivationStats([]float32{3, -3, 3, -3})
	if finite.Mean != 0 {
		t.Errorf("mean: got %v, want 0", finite.Mean)
	}
	if finite.RMS != 3 {
		t.Errorf("rms: got %v, want 3", finite.RMS)
	}
	if s := ComputeActivationStats(nil); s.Max != 0 || s.NaNs != 0 {
		t.Errorf("empty input must yield zero stats, got %+v", s)
	}
}
