// Package device probes the available compute hardware and recommends how
// to partition a walker batch for data-parallel evaluation. When a WebGPU
// adapter is present its limits size the shard plan; otherwise the plan
// falls back to the CPU core count. Probing is advisory: the training loop
// runs identically on the fallback plan.
package device

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// Report is a portable summary of the adapter the probe found.
type Report struct {
	WhenISO     string `json:"when_iso"`
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	Name        string `json:"name"`
	Driver      string `json:"driver"`

	MaxInvocationsPerWorkgroup uint32 `json:"max_invocations_per_workgroup"`
	MaxWorkgroupsPerDimension  uint32 `json:"max_workgroups_per_dimension"`
	MaxBufferSize              uint64 `json:"max_buffer_size"`
}

// Plan describes how a walker batch is split for parallel evaluation.
type Plan struct {
	Shards    int    `json:"shards"`     // concurrent evaluation lanes
	ChunkSize int    `json:"chunk_size"` // walkers per lane per dispatch
	Source    string `json:"source"`     // "gpu" or "cpu"
}

// Probe requests the highest-performance adapter and reads its limits.
// Returns an error on hosts without a usable WebGPU runtime; callers treat
// that as a signal to plan for the CPU.
func Probe() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),

		MaxInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
		MaxBufferSize:              limits.Limits.MaxBufferSize,
	}, nil
}

// PlanFor sizes the shard plan for a batch. A nil report plans for the CPU.
func PlanFor(rep *Report, batchSize int) Plan {
	if batchSize < 1 {
		batchSize = 1
	}
	shards := runtime.NumCPU()
	source := "cpu"
	if rep != nil && rep.MaxInvocationsPerWorkgroup > 0 {
		// One lane per workgroup-sized slice of the batch, capped so small
		// batches don't fan out into empty lanes.
		perLane := int(rep.MaxInvocationsPerWorkgroup)
		shards = (batchSize + perLane - 1) / perLane
		if shards < runtime.NumCPU() {
			shards = runtime.NumCPU()
		}
		source = "gpu"
	}
	if shards > batchSize {
		shards = batchSize
	}
	if shards < 1 {
		shards = 1
	}
	return Plan{
		Shards:    shards,
		ChunkSize: (batchSize + shards - 1) / shards,
		Source:    source,
	}
}
