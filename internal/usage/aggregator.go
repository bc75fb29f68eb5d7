// Package usage aggregates fleet state into flat usage counters and keeps
// previously seen counters alive at zero.
package usage

import (
	"context"
	"strings"

	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	"github.com/rcourtman/pulse-cloudstack/internal/logging"
	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
	"golang.org/x/sync/errgroup"
)

// Fixed counter names.
const (
	KeyVMCount            = "vm_count"
	KeyMemoryBytesSum     = "memory_bytes_sum"
	KeyCPUCountSum        = "cpu_count_sum"
	KeyRootVolumeBytesSum = "root_volume_bytes_sum"
	KeyDataVolumeBytesSum = "data_volume_bytes_sum"
)

// FixedKeys lists the counters present in every snapshot.
var FixedKeys = []string{
	KeyVMCount,
	KeyMemoryBytesSum,
	KeyCPUCountSum,
	KeyRootVolumeBytesSum,
	KeyDataVolumeBytesSum,
}

const bytesPerMiB = 1024 * 1024

type VMLister interface {
	ListVirtualMachines(ctx context.Context, domainID string) ([]cloudstack.VirtualMachine, error)
}

type VolumeLister interface {
	ListVolumes(ctx context.Context, domainID string) ([]cloudstack.Volume, error)
}

// Snapshot maps counter names to values for one tick.
type Snapshot map[string]int64

// Record converts the snapshot to an emitter payload.
func (s Snapshot) Record() map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Aggregator computes usage snapshots.
type Aggregator struct {
	vms      VMLister
	volumes  VolumeLister
	domainID string
}

func NewAggregator(vms VMLister, volumes VolumeLister, domainID string) *Aggregator {
	return &Aggregator{vms: vms, volumes: volumes, domainID: domainID}
}

// Snapshot lists instances and volumes and returns the counters together
// with the next baseline. Any listing error aborts the whole snapshot and
// leaves baseline untouched.
func (a *Aggregator) Snapshot(ctx context.Context, baseline checkpoint.Baseline) (Snapshot, checkpoint.Baseline, error) {
	var (
		vms     []cloudstack.VirtualMachine
		volumes []cloudstack.Volume
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vms, err = a.vms.ListVirtualMachines(gctx, a.domainID)
		return err
	})
	g.Go(func() error {
		var err error
		volumes, err = a.volumes.ListVolumes(gctx, a.domainID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	snap := Compute(vms, volumes, baseline)
	logging.FromContext(ctx).Debug().
		Int("vms", len(vms)).
		Int("volumes", len(volumes)).
		Int("counters", len(snap)).
		Msg("Usage snapshot computed")

	return snap, checkpoint.Baseline(snap).Clone(), nil
}

// Compute is the pure aggregation step. Every baseline key starts at zero,
// then the fixed counters, the per service offering VM counts and the per
// disk offering data volume counts are written in that order, so a later
// group wins a name collision.
func Compute(vms []cloudstack.VirtualMachine, volumes []cloudstack.Volume, baseline checkpoint.Baseline) Snapshot {
	snap := make(Snapshot, len(baseline)+len(FixedKeys))
	for key := range baseline {
		snap[key] = 0
	}

	var memoryBytes, cpus, rootBytes, dataBytes int64
	perServiceOffering := map[string]int64{}
	perDiskOffering := map[string]int64{}

	for _, vm := range vms {
		memoryBytes += nonNegative(vm.MemoryMB()) * bytesPerMiB
		cpus += nonNegative(vm.CPUCount())
		if vm.ServiceOfferingName != "" {
			perServiceOffering[vm.ServiceOfferingName]++
		}
	}

	for _, vol := range volumes {
		switch vol.Type {
		case cloudstack.VolumeTypeRoot:
			rootBytes += nonNegative(vol.SizeBytes())
		case cloudstack.VolumeTypeDataDisk:
			dataBytes += nonNegative(vol.SizeBytes())
			if vol.DiskOfferingName != "" {
				perDiskOffering[NormalizeOfferingName(vol.DiskOfferingName)]++
			}
		}
	}

	snap[KeyVMCount] = int64(len(vms))
	snap[KeyMemoryBytesSum] = memoryBytes
	snap[KeyCPUCountSum] = cpus
	snap[KeyRootVolumeBytesSum] = rootBytes
	snap[KeyDataVolumeBytesSum] = dataBytes
	for name, n := range perServiceOffering {
		snap[name] = n
	}
	for name, n := range perDiskOffering {
		snap[name] = n
	}
	return snap
}

// NormalizeOfferingName replaces spaces so the name is usable as a key.
func NormalizeOfferingName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
