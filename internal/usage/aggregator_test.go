package usage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rcourtman/pulse-cloudstack/internal/checkpoint"
	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/pkg/cloudstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFleet struct {
	vms       []cloudstack.VirtualMachine
	volumes   []cloudstack.Volume
	vmErr     error
	volumeErr error
	domains   atomic.Value
}

func (f *fakeFleet) ListVirtualMachines(ctx context.Context, domainID string) ([]cloudstack.VirtualMachine, error) {
	f.domains.Store(domainID)
	return f.vms, f.vmErr
}

func (f *fakeFleet) ListVolumes(ctx context.Context, domainID string) ([]cloudstack.Volume, error) {
	return f.volumes, f.volumeErr
}

func sampleFleet() *fakeFleet {
	return &fakeFleet{
		vms: []cloudstack.VirtualMachine{
			{ID: "vm1", Memory: 1024, CPUNumber: 2, ServiceOfferingName: "Small"},
			{ID: "vm2", Memory: 2048, CPUNumber: 4, ServiceOfferingName: "Medium Instance"},
		},
		volumes: []cloudstack.Volume{
			{ID: "v1", Type: cloudstack.VolumeTypeRoot, Size: 100},
			{ID: "v2", Type: cloudstack.VolumeTypeDataDisk, Size: 50, DiskOfferingName: "Small"},
		},
	}
}

func TestAggregationArithmetic(t *testing.T) {
	fleet := sampleFleet()
	agg := NewAggregator(fleet, fleet, "domain-1")

	snap, next, err := agg.Snapshot(context.Background(), checkpoint.Baseline{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), snap[KeyVMCount])
	assert.Equal(t, int64(3072*1024*1024), snap[KeyMemoryBytesSum])
	assert.Equal(t, int64(6), snap[KeyCPUCountSum])
	assert.Equal(t, int64(100), snap[KeyRootVolumeBytesSum])
	assert.Equal(t, int64(50), snap[KeyDataVolumeBytesSum])
	// The disk offering count overwrites the service offering count of the same name.
	assert.Equal(t, int64(1), snap["Small"])
	assert.Equal(t, int64(1), snap["Medium Instance"])
	assert.Equal(t, "domain-1", fleet.domains.Load())

	assert.Equal(t, checkpoint.Baseline(snap), next)
}

func TestDiskOfferingNamesAreNormalized(t *testing.T) {
	snap := Compute(nil, []cloudstack.Volume{
		{Type: cloudstack.VolumeTypeDataDisk, Size: 10, DiskOfferingName: "Big Fast Disk"},
		{Type: cloudstack.VolumeTypeDataDisk, Size: 20, DiskOfferingName: "Big Fast Disk"},
		{Type: "UNKNOWN", Size: 99, DiskOfferingName: "ignored"},
	}, nil)

	assert.Equal(t, int64(2), snap["Big_Fast_Disk"])
	assert.Equal(t, int64(30), snap[KeyDataVolumeBytesSum])
	assert.NotContains(t, snap, "ignored")
}

func TestEmptyFleetReportsZeroFixedCounters(t *testing.T) {
	snap := Compute(nil, nil, nil)
	require.Len(t, snap, len(FixedKeys))
	for _, key := range FixedKeys {
		assert.Equal(t, int64(0), snap[key], key)
	}
}

func TestZeroFillKeepsBaselineKeys(t *testing.T) {
	baselines := []checkpoint.Baseline{
		{},
		{"Large": 3},
		{"Large": 3, "Gold_Disk": 7, KeyVMCount: 10},
		{"Small": 4, "retired": 0},
	}

	for _, baseline := range baselines {
		fleet := sampleFleet()
		snap, next, err := NewAggregator(fleet, fleet, "").Snapshot(context.Background(), baseline)
		require.NoError(t, err)

		for key := range baseline {
			require.Contains(t, snap, key)
			require.Contains(t, next, key)
		}
		for _, key := range []string{"Large", "Gold_Disk", "retired"} {
			if _, ok := baseline[key]; ok {
				assert.Equal(t, int64(0), snap[key], key)
			}
		}
		if _, ok := baseline["Small"]; ok {
			assert.Equal(t, int64(1), snap["Small"])
		}
	}
}

func TestBaselineGrowsAcrossSnapshots(t *testing.T) {
	fleet := sampleFleet()
	agg := NewAggregator(fleet, fleet, "")

	_, baseline, err := agg.Snapshot(context.Background(), checkpoint.Baseline{})
	require.NoError(t, err)

	fleet.vms = fleet.vms[:1]
	fleet.volumes = nil
	snap, baseline, err := agg.Snapshot(context.Background(), baseline)
	require.NoError(t, err)

	assert.Equal(t, int64(0), snap["Medium Instance"])
	assert.Equal(t, int64(1), snap["Small"])
	assert.Equal(t, int64(0), snap[KeyDataVolumeBytesSum])
	assert.Contains(t, baseline, "Medium Instance")
}

func TestListingErrorAbortsSnapshot(t *testing.T) {
	boom := internalerrors.WrapConnectionError("list_volumes", "cloudstack", errors.New("reset by peer"))
	fleet := sampleFleet()
	fleet.volumeErr = boom
	baseline := checkpoint.Baseline{"Large": 2}

	snap, next, err := NewAggregator(fleet, fleet, "").Snapshot(context.Background(), baseline)
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrConnectionFailed))
	assert.Nil(t, snap)
	assert.Nil(t, next)
	assert.Equal(t, checkpoint.Baseline{"Large": 2}, baseline)
}

func TestNegativeValuesCountAsZero(t *testing.T) {
	snap := Compute([]cloudstack.VirtualMachine{{Memory: -1, CPUNumber: -2}}, []cloudstack.Volume{{Type: cloudstack.VolumeTypeRoot, Size: -5}}, nil)
	assert.Equal(t, int64(1), snap[KeyVMCount])
	assert.Equal(t, int64(0), snap[KeyMemoryBytesSum])
	assert.Equal(t, int64(0), snap[KeyCPUCountSum])
	assert.Equal(t, int64(0), snap[KeyRootVolumeBytesSum])
}

func TestSnapshotRecord(t *testing.T) {
	rec := Snapshot{"vm_count": 2}.Record()
	assert.Equal(t, map[string]any{"vm_count": int64(2)}, rec)
}
