// Package sampler periodically measures system and per-unit resource
// usage, publishing MetricsSample events onto the bus so the reducer
// can fold them into ring-buffer time series.
package sampler

import (
	"context"
	"time"

	cpuutil "github.com/shirou/gopsutil/v3/cpu"
	memutil "github.com/shirou/gopsutil/v3/mem"
	netutil "github.com/shirou/gopsutil/v3/net"
	processutil "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/orkesy/orkesy/pkg/bus"
	"github.com/orkesy/orkesy/pkg/engine"
	"github.com/orkesy/orkesy/pkg/model"
	"github.com/orkesy/orkesy/pkg/runtime"
)

// tickInterval matches the 120-point/60s ring buffer capacity: 120*500ms = 60s.
const tickInterval = 500 * time.Millisecond

// PIDLookup returns the current PID for a running unit, or 0 if it is
// not running. The sampler asks for this per tick rather than owning
// process handles itself, since engines (not the sampler) own spawning.
type PIDLookup func(id model.UnitID) int

// Sampler ticks every 500ms, measuring system-wide CPU/memory/network
// plus per-unit CPU/memory for every unit currently reported running,
// and log throughput per unit from LogLine events it observes on the bus.
type Sampler struct {
	events    *bus.Bus
	idGen     engine.IDGenerator
	pidLookup PIDLookup
	unitIDs   func() []model.UnitID

	log *logrus.Entry

	logCounts map[model.UnitID]uint64
	prevNet   netutil.IOCountersStat
	prevUnitNet map[model.UnitID]uint64
}

// New returns a Sampler that measures the units named by unitIDs, using
// pidLookup to find each unit's current PID.
func New(events *bus.Bus, idGen engine.IDGenerator, unitIDs func() []model.UnitID, pidLookup PIDLookup, log *logrus.Entry) *Sampler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sampler{
		events:    events,
		idGen:     idGen,
		pidLookup: pidLookup,
		unitIDs:   unitIDs,
		log:         log.WithField("component", "sampler"),
		logCounts:   make(map[model.UnitID]uint64),
		prevUnitNet: make(map[model.UnitID]uint64),
	}
}

// ObserveLog increments the log counter for id; called once per LogLine
// event the caller forwards from its own bus subscription.
func (s *Sampler) ObserveLog(id model.UnitID) {
	s.logCounts[id]++
}

// Run ticks until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	prevLogCounts := make(map[model.UnitID]uint64)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleSystem(ctx)
			s.sampleUnits(ctx)
			s.sampleLogRates(prevLogCounts)
		}
	}
}

func (s *Sampler) sampleSystem(ctx context.Context) {
	pct, err := cpuutil.PercentWithContext(ctx, 0, false)
	if err != nil {
		s.log.WithError(err).Debug("cpu sample failed")
		pct = []float64{0}
	}
	vm, err := memutil.VirtualMemoryWithContext(ctx)
	memMB := 0.0
	if err == nil {
		memMB = float64(vm.Used) / (1024 * 1024)
	}

	var netKBps float64
	if counters, err := netutil.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		cur := counters[0]
		if s.prevNet.BytesSent != 0 || s.prevNet.BytesRecv != 0 {
			deltaBytes := (cur.BytesSent - s.prevNet.BytesSent) + (cur.BytesRecv - s.prevNet.BytesRecv)
			netKBps = float64(deltaBytes) / 1024 / tickInterval.Seconds()
		}
		s.prevNet = cur
	}

	cpuPct := 0.0
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	s.events.Publish(runtime.EventEnvelope{
		ID: s.idGen.Next(), At: time.Now(),
		Event: runtime.Event{
			Kind:             runtime.EventSystemSample,
			SystemCPUPercent: cpuPct,
			SystemMemMB:      memMB,
			SystemNetKBps:    netKBps,
		},
	})
}

func (s *Sampler) sampleUnits(ctx context.Context) {
	for _, id := range s.unitIDs() {
		pid := s.pidLookup(id)
		if pid == 0 {
			continue
		}
		proc, err := processutil.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		cpuPct, _ := proc.CPUPercentWithContext(ctx)
		memInfo, _ := proc.MemoryInfoWithContext(ctx)
		createTime, _ := proc.CreateTimeWithContext(ctx)

		var memBytes uint64
		if memInfo != nil {
			memBytes = memInfo.RSS
		}
		var uptime uint64
		if createTime > 0 {
			uptime = uint64(time.Since(time.UnixMilli(createTime)).Seconds())
		}

		var netKBps float64
		if cur, err := processNetBytes(pid); err == nil {
			if prev, ok := s.prevUnitNet[id]; ok && cur >= prev {
				netKBps = float64(cur-prev) / 1024 / tickInterval.Seconds()
			}
			s.prevUnitNet[id] = cur
		} else {
			delete(s.prevUnitNet, id)
		}

		s.events.Publish(runtime.EventEnvelope{
			ID: s.idGen.Next(), At: time.Now(),
			Event: runtime.Event{
				Kind: runtime.EventMetricsSample, UnitID: id,
				Metrics: model.Metrics{CPUPercent: cpuPct, MemoryBytes: memBytes, NetKBps: netKBps, UptimeSecs: uptime, PID: pid},
			},
		})
	}
}

func (s *Sampler) sampleLogRates(prev map[model.UnitID]uint64) {
	for id, count := range s.logCounts {
		delta := count - prev[id]
		rate := float64(delta) / tickInterval.Seconds()
		prev[id] = count
		s.events.Publish(runtime.EventEnvelope{
			ID: s.idGen.Next(), At: time.Now(),
			Event: runtime.Event{Kind: runtime.EventLogRateSample, UnitID: id, Rate: rate},
		})
	}
}
