package logmon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// DefaultCountsTTL is how long aggregated service counts stay cached.
const DefaultCountsTTL = 5 * time.Minute

const countsCacheKey = "service-counts"

// CountsConfig configures the Counts cache.
type CountsConfig struct {
	// Registry supplies the datasources.
	Registry *datasource.Registry
	// Workers spawns the log-manager helper.
	Workers *worker.Supervisor
	// Paths resolves the helper binary and progress file locations.
	Paths *paths.Resolver
	// Logger is an optional logger.
	Logger *log.Logger
	// TTL overrides the cache lifetime. Zero means DefaultCountsTTL.
	TTL time.Duration
}

// Counts aggregates per-service log line counts across datasources by
// running `log-manager count`, caching the result. Removal flows
// invalidate the cache after mutating the logs.
type Counts struct {
	config CountsConfig
	logger *log.Logger
	cache  *gocache.Cache
	group  singleflight.Group
}

// NewCounts validates dependencies and builds the cache.
func NewCounts(config CountsConfig) (*Counts, error) {
	if config.Registry == nil || config.Workers == nil || config.Paths == nil {
		return nil, types.NewError(types.KindConfig, "logmon: missing required dependencies")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCountsTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("logmon")
	}
	return &Counts{
		config: config,
		logger: logger,
		cache:  gocache.New(config.TTL, time.Minute),
	}, nil
}

// ServiceCounts returns per-service line counts summed across every
// datasource, keyed by lower-cased service name. Concurrent callers
// share one collection run.
func (c *Counts) ServiceCounts(ctx context.Context) (map[string]uint64, error) {
	if cached, ok := c.cache.Get(countsCacheKey); ok {
		return cached.(map[string]uint64), nil
	}
	value, err, _ := c.group.Do(countsCacheKey, func() (any, error) {
		counts, err := c.collect(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(countsCacheKey, counts)
		return counts, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]uint64), nil
}

// Invalidate drops the cached counts so the next read recollects.
func (c *Counts) Invalidate() {
	c.cache.Delete(countsCacheKey)
}

func (c *Counts) collect(ctx context.Context) (map[string]uint64, error) {
	binary := c.config.Paths.HelperPath(paths.LogManagerBinary)
	if err := c.config.Workers.ValidateBinaryExists(binary, paths.LogManagerBinary); err != nil {
		return nil, err
	}

	out := make(map[string]uint64)
	for _, ds := range c.config.Registry.Datasources() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		counts, err := c.countDatasource(ctx, binary, ds)
		if err != nil {
			return nil, err
		}
		for service, n := range counts {
			out[strings.ToLower(service)] += n
		}
	}
	return out, nil
}

func (c *Counts) countDatasource(ctx context.Context, binary string, ds datasource.Datasource) (map[string]uint64, error) {
	progressPath := c.config.Paths.ProgressFile("counts_" + ds.Name)
	defer c.config.Workers.DeleteTemporaryFile(progressPath)

	args := []string{"count", filepath.Dir(ds.LogPath), progressPath}
	handle, err := c.config.Workers.Spawn(ctx, worker.StartInfo{Binary: binary, Args: args})
	if err != nil {
		return nil, err
	}

	waitCh := make(chan *worker.ExecResult, 1)
	go func() {
		result, waitErr := handle.Wait()
		if waitErr != nil {
			waitCh <- &worker.ExecResult{ExitCode: -1, Stderr: []byte(waitErr.Error())}
			return
		}
		waitCh <- result
	}()

	var execResult *worker.ExecResult
	select {
	case <-ctx.Done():
		_ = handle.KillTree()
		<-waitCh
		return nil, ctx.Err()
	case execResult = <-waitCh:
	}

	if execResult.ExitCode != 0 {
		return nil, types.NewError(types.KindWorkerFailed,
			"log-manager count exited with code %d for %q", execResult.ExitCode, ds.Name)
	}

	// The final progress snapshot carries the counts.
	final, err := worker.ReadOutputFile[types.LogCountProgress](progressPath)
	if err != nil {
		return nil, types.WrapError(types.KindProtocol, err,
			"log-manager produced no count output for %q", ds.Name)
	}
	if final.ServiceCounts == nil {
		return map[string]uint64{}, nil
	}
	return final.ServiceCounts, nil
}
