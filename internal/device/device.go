package device

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Device is one logical accelerator with a fixed memory budget. The engine
// runs everything in process memory; the budget accounting is what makes
// resource exhaustion an explicit, testable failure instead of an OS-level
// surprise.
type Device struct {
	id       int
	name     string
	capacity int64 // bytes, 0 means unbounded
	used     atomic.Int64
}

func New(id int, capacity int64) *Device {
	return &Device{
		id:       id,
		name:     "dev" + strconv.Itoa(id),
		capacity: capacity,
	}
}

func (d *Device) ID() int      { return d.id }
func (d *Device) Name() string { return d.name }
func (d *Device) Used() int64  { return d.used.Load() }

// Alloc accounts n bytes against the device budget. Exhaustion is fatal to
// the run; callers never retry without shrinking their footprint first.
func (d *Device) Alloc(n int64) error {
	used := d.used.Add(n)
	if d.capacity > 0 && used > d.capacity {
		d.used.Add(-n)
		return &ErrOutOfMemory{Device: d.name, Want: n, Have: d.capacity - (used - n)}
	}
	metrics.DeviceMemoryUsed.WithLabelValues(d.name).Set(float64(used))
	return nil
}

func (d *Device) Free(n int64) {
	used := d.used.Add(-n)
	if used < 0 {
		d.used.Store(0)
		used = 0
	}
	metrics.DeviceMemoryUsed.WithLabelValues(d.name).Set(float64(used))
}

// ErrOutOfMemory reports device memory exhaustion.
type ErrOutOfMemory struct {
	Device string
	Want   int64
	Have   int64
}

func (e *ErrOutOfMemory) Error() string {
	return fmt.Sprintf("device %s: out of memory: want %d bytes, %d available", e.Device, e.Want, e.Have)
}
