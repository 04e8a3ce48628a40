package prefill

import (
	"context"
	"testing"

	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/types"
)

func strategyEngine(t *testing.T, inspect func(id string) (*ContainerState, error)) *fakeEngine {
	t.Helper()
	engine := newFakeEngine(t, nil)
	engine.inspectFn = inspect
	return engine
}

func TestResolveNetworkStrategyConfigModeWins(t *testing.T) {
	engine := strategyEngine(t, func(id string) (*ContainerState, error) {
		t.Fatalf("unexpected inspect of %s", id)
		return nil, nil
	})
	cfg := config.PrefillConfig{NetworkMode: "cache-net", LancacheDNSIP: "10.0.0.53"}

	s := resolveNetworkStrategy(context.Background(), engine, cfg, log.NewLogger("test"))
	if s.Mode != "cache-net" {
		t.Fatalf("mode = %q, want cache-net", s.Mode)
	}
	if len(s.DNS) != 0 || len(s.Sysctls) != 0 {
		t.Fatalf("explicit mode should not inject DNS or sysctls, got %v / %v", s.DNS, s.Sysctls)
	}
	if s.Source != "config network_mode" {
		t.Fatalf("source = %q", s.Source)
	}
}

func TestResolveNetworkStrategyConfigDNS(t *testing.T) {
	engine := strategyEngine(t, func(id string) (*ContainerState, error) {
		t.Fatalf("unexpected inspect of %s", id)
		return nil, nil
	})
	cfg := config.PrefillConfig{LancacheDNSIP: "10.0.0.53"}

	s := resolveNetworkStrategy(context.Background(), engine, cfg, log.NewLogger("test"))
	if s.Mode != "" {
		t.Fatalf("mode = %q, want default", s.Mode)
	}
	if len(s.DNS) != 1 || s.DNS[0] != "10.0.0.53" {
		t.Fatalf("dns = %v", s.DNS)
	}
	if s.Sysctls["net.ipv6.conf.all.disable_ipv6"] != "1" {
		t.Fatalf("ipv6 should be disabled, sysctls = %v", s.Sysctls)
	}
	if s.Source != "config lancache_dns_ip" {
		t.Fatalf("source = %q", s.Source)
	}
}

func TestResolveNetworkStrategyFollowsHostNetwork(t *testing.T) {
	engine := strategyEngine(t, func(id string) (*ContainerState, error) {
		if id != lancacheDNSContainer {
			t.Fatalf("inspected %q, want %q", id, lancacheDNSContainer)
		}
		return &ContainerState{ID: "dns-1", Name: lancacheDNSContainer, Running: true, HostNetwork: true}, nil
	})

	s := resolveNetworkStrategy(context.Background(), engine, config.PrefillConfig{}, log.NewLogger("test"))
	if s.Mode != "host" {
		t.Fatalf("mode = %q, want host", s.Mode)
	}
	if len(s.DNS) != 0 {
		t.Fatalf("host mode should not inject DNS, got %v", s.DNS)
	}
	if s.Source != "lancache-dns host network" {
		t.Fatalf("source = %q", s.Source)
	}
}

func TestResolveNetworkStrategyUsesContainerAddress(t *testing.T) {
	engine := strategyEngine(t, func(string) (*ContainerState, error) {
		return &ContainerState{
			ID:      "dns-1",
			Running: true,
			IPAddresses: map[string]string{
				"lan-bridge": "172.21.0.2",
				"cache-net":  "172.20.0.2",
			},
		}, nil
	})

	s := resolveNetworkStrategy(context.Background(), engine, config.PrefillConfig{}, log.NewLogger("test"))
	// Network names are walked in sorted order so the pick is stable.
	if len(s.DNS) != 1 || s.DNS[0] != "172.20.0.2" {
		t.Fatalf("dns = %v, want the cache-net address", s.DNS)
	}
	if s.Sysctls["net.ipv6.conf.all.disable_ipv6"] != "1" {
		t.Fatalf("ipv6 should be disabled, sysctls = %v", s.Sysctls)
	}
	if s.Source != "lancache-dns address on cache-net" {
		t.Fatalf("source = %q", s.Source)
	}
}

func TestResolveNetworkStrategyNoDNSContainer(t *testing.T) {
	engine := strategyEngine(t, func(id string) (*ContainerState, error) {
		return nil, types.NewError(types.KindNotFound, "no container %s", id)
	})

	s := resolveNetworkStrategy(context.Background(), engine, config.PrefillConfig{}, log.NewLogger("test"))
	if s.Mode != "" || len(s.DNS) != 0 {
		t.Fatalf("want engine default, got %+v", s)
	}
	if s.Source != "default" {
		t.Fatalf("source = %q", s.Source)
	}
}

func TestResolveNetworkStrategyIgnoresEmptyAddress(t *testing.T) {
	engine := strategyEngine(t, func(string) (*ContainerState, error) {
		return &ContainerState{ID: "dns-1", Running: true, IPAddresses: map[string]string{"cache-net": ""}}, nil
	})

	s := resolveNetworkStrategy(context.Background(), engine, config.PrefillConfig{}, log.NewLogger("test"))
	if s.Source != "default" {
		t.Fatalf("source = %q, want default", s.Source)
	}
}
