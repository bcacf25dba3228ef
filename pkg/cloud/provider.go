// Package cloud runs the lifecycle of rented GPU instances: deploy,
// bootstrap, idle teardown, spend caps, and orphan reconciliation.
package cloud

import (
	"context"
	"errors"
)

// InstanceState is the provider-side view of an instance.
type InstanceState string

const (
	InstanceStatePending InstanceState = "pending"
	InstanceStateRunning InstanceState = "running"
	InstanceStateStopped InstanceState = "stopped"
	InstanceStateGone    InstanceState = "gone"
)

// ErrInstanceNotFound is returned by providers for unknown instance ids.
var ErrInstanceNotFound = errors.New("instance not found")

// Plan is a rentable instance shape with its price.
type Plan struct {
	Name      string   `json:"name"`
	GPUModel  string   `json:"gpu_model"`
	CPUCores  int      `json:"cpu_cores"`
	HourlyUSD float64  `json:"hourly_usd"`
	HWAccels  []string `json:"hw_accels"`
}

// Instance is a provider-side instance description.
type Instance struct {
	ID       string        `json:"id"`
	State    InstanceState `json:"state"`
	Hostname string        `json:"hostname"`
	Port     int           `json:"port"`
}

// Provider is the external cloud API surface the controller drives.
type Provider interface {
	Name() string
	Plans(ctx context.Context) ([]Plan, error)
	CreateInstance(ctx context.Context, plan, region string) (string, error)
	InstanceStatus(ctx context.Context, id string) (*Instance, error)
	TerminateInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]Instance, error)
}
