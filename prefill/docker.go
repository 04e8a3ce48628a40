package prefill

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/types"
)

// DockerEngine drives session containers through the Docker API.
type DockerEngine struct {
	cli    *client.Client
	logger *log.Logger
}

// NewDockerEngine connects to the engine named by the standard DOCKER_*
// environment variables.
func NewDockerEngine(logger *log.Logger) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "failed to connect to the container engine")
	}
	if logger == nil {
		logger = log.NewLogger("engine")
	}
	return &DockerEngine{cli: cli, logger: logger}, nil
}

// Close releases the underlying API client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// PullImage pulls ref, logging status transitions. Pull failures arrive
// both as API errors and as error messages inside the progress stream.
func (e *DockerEngine) PullImage(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return e.wrap(err, "failed to pull image %s", ref)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	last := ""
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return types.WrapError(types.KindTransientIO, err, "image pull stream for %s broke", ref)
		}
		if msg.Error != nil {
			return types.WrapError(types.KindTransientIO, msg.Error, "image pull failed for %s", ref)
		}
		if msg.Status != "" && msg.Status != last {
			e.logger.Debug("image pull", map[string]any{"image": ref, "status": msg.Status})
			last = msg.Status
		}
	}
	return nil
}

// HasImage reports whether ref is already present locally.
func (e *DockerEngine) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, e.wrap(err, "failed to list images matching %s", ref)
	}
	return len(images) > 0, nil
}

// CreateContainer creates (but does not start) a container from spec and
// returns its id.
func (e *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:  spec.Image,
		Cmd:    strslice.StrSlice(spec.Cmd),
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostConfig := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		DNS:         spec.DNS,
		Sysctls:     spec.Sysctls,
		AutoRemove:  spec.AutoRemove,
	}

	if spec.ExposedPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ExposedPort))
		if err != nil {
			return "", types.WrapError(types.KindConfig, err, "invalid container port %d", spec.ExposedPort)
		}
		hostPort := ""
		if spec.HostPort > 0 {
			hostPort = strconv.Itoa(spec.HostPort)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}},
		}
	}

	created, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", e.wrap(err, "failed to create container %s", spec.Name)
	}
	return created.ID, nil
}

func (e *DockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return e.wrap(err, "failed to start container %s", shortID(id))
	}
	return nil
}

func (e *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return e.wrap(err, "failed to stop container %s", shortID(id))
	}
	return nil
}

func (e *DockerEngine) KillContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		return e.wrap(err, "failed to kill container %s", shortID(id))
	}
	return nil
}

func (e *DockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return e.wrap(err, "failed to remove container %s", shortID(id))
	}
	return nil
}

func (e *DockerEngine) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, e.wrap(err, "failed to inspect container %s", shortID(id))
	}

	state := &ContainerState{
		ID:          info.ID,
		Name:        strings.TrimPrefix(info.Name, "/"),
		IPAddresses: map[string]string{},
		Ports:       map[int]int{},
	}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	if info.Config != nil {
		state.Labels = info.Config.Labels
	}
	if info.HostConfig != nil {
		state.HostNetwork = info.HostConfig.NetworkMode.IsHost()
	}
	for _, m := range info.Mounts {
		state.Mounts = append(state.Mounts, MountPoint{Source: m.Source, Destination: m.Destination})
	}
	if info.NetworkSettings != nil {
		for name, endpoint := range info.NetworkSettings.Networks {
			if endpoint != nil && endpoint.IPAddress != "" {
				state.IPAddresses[name] = endpoint.IPAddress
			}
		}
		for port, bindings := range info.NetworkSettings.Ports {
			for _, binding := range bindings {
				hostPort, err := strconv.Atoi(binding.HostPort)
				if err == nil && hostPort > 0 {
					state.Ports[port.Int()] = hostPort
					break
				}
			}
		}
	}
	return state, nil
}

// ContainerLogs returns the last tail lines of combined stdout/stderr.
func (e *DockerEngine) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", e.wrap(err, "failed to read logs of container %s", shortID(id))
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", types.WrapError(types.KindTransientIO, err, "log stream of container %s broke", shortID(id))
	}
	return buf.String(), nil
}

// ListContainers returns all containers (running or not) whose name
// starts with namePrefix.
func (e *DockerEngine) ListContainers(ctx context.Context, namePrefix string) ([]ContainerSummary, error) {
	// The engine-side name filter matches substrings, so re-check the
	// prefix on our side.
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, e.wrap(err, "failed to list containers with prefix %s", namePrefix)
	}

	var out []ContainerSummary
	for _, summary := range summaries {
		for _, name := range summary.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, namePrefix) {
				out = append(out, ContainerSummary{
					ID:      summary.ID,
					Name:    name,
					Running: summary.State == "running",
				})
				break
			}
		}
	}
	return out, nil
}

// Exec runs cmd inside the container and returns its exit code with
// combined output.
func (e *DockerEngine) Exec(ctx context.Context, id string, cmd []string) (*EngineExecResult, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, e.wrap(err, "failed to exec in container %s", shortID(id))
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, e.wrap(err, "failed to attach exec in container %s", shortID(id))
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return nil, types.WrapError(types.KindTransientIO, err, "exec stream in container %s broke", shortID(id))
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, e.wrap(err, "failed to inspect exec in container %s", shortID(id))
	}
	return &EngineExecResult{ExitCode: inspect.ExitCode, Output: buf.String()}, nil
}

func (e *DockerEngine) wrap(err error, format string, args ...any) error {
	kind := types.KindTransientIO
	if client.IsErrNotFound(err) {
		kind = types.KindNotFound
	}
	return types.WrapError(kind, err, format, args...)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
