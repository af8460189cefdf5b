// Package engine owns one DeliveryBatch per Engine and keeps its current
// route in step with driver progress, order churn and road conditions.
package engine

import (
	"context"
	"log"
	"time"

	"batchnav/internal/batch"
	"batchnav/internal/conditions"
	"batchnav/internal/directions"
	"batchnav/internal/events"
	"batchnav/internal/monitor"
	"batchnav/internal/opt"
	"batchnav/internal/store"
)

// Deps are the collaborators shared by every engine of a registry.
type Deps struct {
	Directions directions.Service
	// Conditions is read for manual evaluations; cadence and pushed
	// updates arrive through Trigger.
	Conditions conditions.Source
	Events     events.Publisher
	// Store is optional; without it nothing survives a restart.
	Store store.Store

	Monitor       monitor.Config
	MaxIterations int
	Parallelism   int
	ServiceSec    int
	MaxOrders     int
	RetryBudget   int
	// ComputeTimeout bounds one triggered computation, directions included.
	ComputeTimeout time.Duration
	Now            func() time.Time
}

const (
	DefaultComputeTimeout = 30 * time.Second
	// installAttempts bounds how often a computation is redone after the
	// batch changed under it.
	installAttempts = 3
)

func (d Deps) withDefaults() Deps {
	if d.Directions == nil {
		d.Directions = directions.Haversine{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Monitor.Threshold <= 0 || d.Monitor.MinGain <= 0 {
		def := monitor.DefaultConfig()
		if d.Monitor.Threshold <= 0 {
			d.Monitor.Threshold = def.Threshold
		}
		if d.Monitor.MinGain <= 0 {
			d.Monitor.MinGain = def.MinGain
		}
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = opt.DefaultMaxIterations
	}
	if d.Parallelism <= 0 {
		d.Parallelism = directions.DefaultParallelism
	}
	if d.ServiceSec < 0 {
		d.ServiceSec = 0
	}
	if d.MaxOrders <= 0 {
		d.MaxOrders = batch.DefaultMaxOrders
	}
	if d.RetryBudget <= 0 {
		d.RetryBudget = batch.DefaultRetryBudget
	}
	if d.ComputeTimeout <= 0 {
		d.ComputeTimeout = DefaultComputeTimeout
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// publish sends an event without tying it to the caller's cancellation.
func (d Deps) publish(ctx context.Context, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Events.Publish(ctx, e); err != nil {
		log.Printf("batch=%s op=events.publish type=%s err=%v", e.BatchID, e.Type, err)
	}
}
