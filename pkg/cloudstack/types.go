package cloudstack

import (
	"fmt"
	"strings"
	"time"
)

// StartDateLayout is the second-precision calendar format listEvents accepts.
const StartDateLayout = "2006-01-02 15:04:05"

var createdLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	"2006-01-02T15:04:05",
	StartDateLayout,
}

// Event is a raw listEvents record. Only "created" is interpreted; every other
// attribute is passed downstream untouched.
type Event map[string]any

// Created parses the event's created timestamp.
func (e Event) Created() (time.Time, error) {
	raw, ok := e["created"]
	if !ok {
		return time.Time{}, fmt.Errorf("event has no created field")
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("event created field is %T, not a string", raw)
	}
	return ParseTimestamp(s)
}

// ID returns the event id, or "".
func (e Event) ID() string {
	if id, ok := e["id"].(string); ok {
		return id
	}
	return ""
}

// ParseTimestamp parses CloudStack timestamps such as 2014-03-11T10:20:30+0900.
// Values without an offset are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// VirtualMachine carries the listVirtualMachines fields used for usage.
type VirtualMachine struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	State               string      `json:"state"`
	Memory              flexibleInt `json:"memory"` // MiB
	CPUNumber           flexibleInt `json:"cpunumber"`
	ServiceOfferingName string      `json:"serviceofferingname"`
}

// MemoryMB returns configured memory in MiB.
func (vm VirtualMachine) MemoryMB() int64 { return vm.Memory.Int64() }

// CPUCount returns the number of vCPUs.
func (vm VirtualMachine) CPUCount() int64 { return vm.CPUNumber.Int64() }

// Volume kinds reported in the "type" field.
const (
	VolumeTypeRoot     = "ROOT"
	VolumeTypeDataDisk = "DATADISK"
)

// Volume carries the listVolumes fields used for usage.
type Volume struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Type             string      `json:"type"`
	Size             flexibleInt `json:"size"` // bytes
	DiskOfferingName string      `json:"diskofferingname"`
}

// SizeBytes returns the provisioned volume size.
func (v Volume) SizeBytes() int64 { return v.Size.Int64() }
