package prefill

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/cachewarden/cachewarden/log"
)

// hostPaths rewrites manager-local paths into engine-host paths for bind
// mounts. When the manager itself runs inside a container, a path like
// /data/sessions/<id> only exists host-side under whatever directory is
// mounted at /data; the engine needs the host-side spelling.
type hostPaths struct {
	engine Engine
	logger *log.Logger
	// override is the configured host_data_path; it maps dataRoot
	// directly and skips discovery.
	override string
	dataRoot string

	// inContainer and selfID are swappable for tests.
	inContainer func() bool
	selfID      func() string

	once       sync.Once
	mountFrom  string
	mountTo    string
	discovered bool
}

func newHostPaths(engine Engine, dataRoot, override string, logger *log.Logger) *hostPaths {
	return &hostPaths{
		engine:      engine,
		logger:      logger,
		override:    override,
		dataRoot:    dataRoot,
		inContainer: runningInContainer,
		selfID: func() string {
			name, err := os.Hostname()
			if err != nil {
				return ""
			}
			return name
		},
	}
}

// runningInContainer checks the conventional engine marker file.
func runningInContainer() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}

// translate maps an absolute manager-local path to the engine host's
// spelling of the same file. Outside a container, and on any discovery
// failure, it is the identity.
func (h *hostPaths) translate(ctx context.Context, path string) string {
	if h.override != "" {
		if rest, ok := strings.CutPrefix(path, h.dataRoot); ok {
			return h.override + rest
		}
		return path
	}
	if !h.inContainer() {
		return path
	}

	h.once.Do(func() { h.discover(ctx) })
	if !h.discovered {
		return path
	}
	if rest, ok := strings.CutPrefix(path, h.mountFrom); ok {
		return h.mountTo + rest
	}
	return path
}

// discover inspects our own container and finds the bind mount covering
// the data root. The hostname inside a container defaults to the
// container id, which the engine accepts as an inspect target.
func (h *hostPaths) discover(ctx context.Context) {
	id := h.selfID()
	if id == "" {
		h.logger.Warn("cannot determine own container id, session mounts will use container-local paths", nil)
		return
	}

	state, err := h.engine.InspectContainer(ctx, id)
	if err != nil {
		h.logger.Warn("cannot inspect own container, session mounts will use container-local paths", map[string]any{
			"container": id,
			"error":     err.Error(),
		})
		return
	}

	// Longest destination prefix wins so /data/sessions beats /data.
	best := MountPoint{}
	for _, m := range state.Mounts {
		if !pathCovers(m.Destination, h.dataRoot) {
			continue
		}
		if len(m.Destination) > len(best.Destination) {
			best = m
		}
	}
	if best.Destination == "" {
		h.logger.Warn("data root is not bind-mounted, session mounts will use container-local paths", map[string]any{
			"data_root": h.dataRoot,
		})
		return
	}

	h.mountFrom = best.Destination
	h.mountTo = best.Source
	h.discovered = true
	h.logger.Info("resolved host-side data root", map[string]any{
		"container_path": h.mountFrom,
		"host_path":      h.mountTo,
	})
}

// pathCovers reports whether dir is path or an ancestor of path.
func pathCovers(dir, path string) bool {
	if dir == path {
		return true
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return strings.HasPrefix(path, dir)
}
