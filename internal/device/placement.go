package device

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Placement assigns contiguous groups of model blocks to devices. Activations
// crossing a group boundary move through Transfer, a synchronous copy: the
// step does not advance until the destination device holds the data.
type Placement struct {
	devices []*Device
	byBlock []int // block index -> device index
}

// Plan splits numBlocks into len(devices) contiguous groups, front-loaded so
// earlier devices take the remainder.
func Plan(numBlocks int, devices []*Device) (*Placement, error) {
	if len(devices) == 0 {
		return nil, &config.FieldError{Field: "devices", Reason: "no devices configured"}
	}
	if numBlocks <= 0 {
		return nil, &config.FieldError{Field: "devices", Reason: fmt.Sprintf("cannot place %d blocks", numBlocks)}
	}
	p := &Placement{
		devices: devices,
		byBlock: make([]int, numBlocks),
	}
	per := numBlocks / len(devices)
	extra := numBlocks % len(devices)
	blk := 0
	for di := range devices {
		n := per
		if di < extra {
			n++
		}
		for i := 0; i < n && blk < numBlocks; i++ {
			p.byBlock[blk] = di
			blk++
		}
	}
	logger.Log.Info("device placement planned",
		"devices", len(devices), "blocks", numBlocks)
	return p, nil
}

func (p *Placement) NumDevices() int { return len(p.devices) }

// DeviceFor returns the device holding block blk.
func (p *Placement) DeviceFor(blk int) *Device {
	return p.devices[p.byBlock[blk]]
}

// Boundary reports whether advancing from block blk to blk+1 crosses devices.
func (p *Placement) Boundary(blk int) bool {
	if blk+1 >= len(p.byBlock) {
		return false
	}
	return p.byBlock[blk] != p.byBlock[blk+1]
}

// Transfer moves an activation buffer between devices. The copy is the
// synchronization point: when it returns, dst's device owns the data. Same
// device is a no-op passthrough.
func (p *Placement) Transfer(data []float32, from, to *Device) []float32 {
	if from.ID() == to.ID() {
		return data
	}
	out := make([]float32, len(data))
	copy(out, data)
	n := int64(len(data) * 4)
	metrics.DeviceTransfersTotal.WithLabelValues(from.Name(), to.Name()).Inc()
	metrics.DeviceTransferBytes.WithLabelValues(from.Name(), to.Name()).Add(float64(n))
	return out
}
