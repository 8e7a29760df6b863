package sandbox

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestToCgroupResourcesNilIsEmpty(t *testing.T) {
	res := toCgroupResources(nil)
	if res.MemoryMaxBytes != nil || res.CPUQuotaUS != nil || res.CPUPeriodUS != nil || res.PidsMax != nil {
		t.Fatalf("toCgroupResources(nil) = %+v, want all-nil", res)
	}
}

func TestToCgroupResourcesCopiesSetFields(t *testing.T) {
	limit := int64(512 << 20)
	quota := int64(50_000)
	period := uint64(100_000)
	in := &specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit},
		CPU:    &specs.LinuxCPU{Quota: &quota, Period: &period},
		Pids:   &specs.LinuxPids{Limit: 128},
	}
	res := toCgroupResources(in)
	if res.MemoryMaxBytes == nil || *res.MemoryMaxBytes != limit {
		t.Errorf("MemoryMaxBytes = %v, want %d", res.MemoryMaxBytes, limit)
	}
	if res.CPUQuotaUS == nil || *res.CPUQuotaUS != quota {
		t.Errorf("CPUQuotaUS = %v, want %d", res.CPUQuotaUS, quota)
	}
	if res.CPUPeriodUS == nil || *res.CPUPeriodUS != period {
		t.Errorf("CPUPeriodUS = %v, want %d", res.CPUPeriodUS, period)
	}
	if res.PidsMax == nil || *res.PidsMax != 128 {
		t.Errorf("PidsMax = %v, want 128", res.PidsMax)
	}
}

func TestToDesiredCapsDeduplicatesAcrossSets(t *testing.T) {
	caps := toDesiredCaps(&specs.LinuxCapabilities{
		Effective: []string{"CAP_CHOWN", "CAP_SETUID"},
		Permitted: []string{"CAP_CHOWN"},
		Bounding:  []string{"cap_setuid"},
	})
	if len(caps) != 2 {
		t.Fatalf("toDesiredCaps returned %d caps, want 2 deduplicated", len(caps))
	}
}

func TestToDesiredCapsSkipsUnknownNames(t *testing.T) {
	caps := toDesiredCaps(&specs.LinuxCapabilities{
		Effective: []string{"CAP_NOT_A_THING", "CAP_CHOWN"},
	})
	if len(caps) != 1 {
		t.Fatalf("toDesiredCaps returned %d caps, want 1 (unknown name skipped)", len(caps))
	}
}

func TestIsChildInit(t *testing.T) {
	if !IsChildInit([]string{"corectl", childInitArg}) {
		t.Fatal("IsChildInit missed the child-init marker")
	}
	if IsChildInit([]string{"corectl", "run"}) {
		t.Fatal("IsChildInit matched a normal subcommand")
	}
	if IsChildInit([]string{"corectl"}) {
		t.Fatal("IsChildInit matched bare argv")
	}
}
