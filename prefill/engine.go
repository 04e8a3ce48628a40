package prefill

import (
	"context"
	"time"
)

// ContainerSpec describes one session container to create.
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Binds  []string
	Labels map[string]string
	// NetworkMode is "" for the engine default, "host", or a named
	// network.
	NetworkMode string
	DNS         []string
	Sysctls     map[string]string
	// ExposedPort publishes a TCP port when nonzero. HostPort fixes the
	// host side; zero lets the engine pick an ephemeral port.
	ExposedPort int
	HostPort    int
	AutoRemove  bool
}

// MountPoint is one bind mount of an inspected container.
type MountPoint struct {
	Source      string
	Destination string
}

// ContainerState is a point-in-time inspection snapshot.
type ContainerState struct {
	ID          string
	Name        string
	Running     bool
	ExitCode    int
	Labels      map[string]string
	HostNetwork bool
	// IPAddresses maps network name to the container's address on it.
	IPAddresses map[string]string
	Mounts      []MountPoint
	// Ports maps container port to bound host port.
	Ports map[int]int
}

// ContainerSummary is one row of a container listing.
type ContainerSummary struct {
	ID      string
	Name    string
	Running bool
}

// EngineExecResult is the outcome of one in-container command.
type EngineExecResult struct {
	ExitCode int
	Output   string
}

// Engine abstracts the container runtime under the session manager.
// Implementations map runtime "no such container" failures to
// types.KindNotFound so callers can tolerate already-gone containers.
type Engine interface {
	PullImage(ctx context.Context, ref string) error
	HasImage(ctx context.Context, ref string) (bool, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	ContainerLogs(ctx context.Context, id string, tail int) (string, error)
	ListContainers(ctx context.Context, namePrefix string) ([]ContainerSummary, error)
	Exec(ctx context.Context, id string, cmd []string) (*EngineExecResult, error)
}
