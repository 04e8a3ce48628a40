package prefill

import (
	"context"
	"sort"

	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/log"
)

// lancacheDNSContainer is the conventional name of the external lancache
// DNS container on the same engine.
const lancacheDNSContainer = "lancache-dns"

// NetworkStrategy is the networking plan for one session container.
type NetworkStrategy struct {
	// Mode is the engine network mode: "" for the default network,
	// "host", or a named network.
	Mode string
	// DNS servers injected into the container.
	DNS []string
	// Sysctls applied to the container.
	Sysctls map[string]string
	// Source records how the strategy was chosen.
	Source string
}

// ipv6OffSysctls disables IPv6 inside the container so clients cannot
// bypass the injected lancache DNS over AAAA answers.
func ipv6OffSysctls() map[string]string {
	return map[string]string{"net.ipv6.conf.all.disable_ipv6": "1"}
}

// resolveNetworkStrategy picks session container networking. An explicit
// config override wins. Otherwise the lancache-dns container is
// inspected: if it runs host-networked the session container does too;
// else its address becomes the session container's DNS server. When
// nothing can be learned the engine default network is used as is.
func resolveNetworkStrategy(ctx context.Context, engine Engine, cfg config.PrefillConfig, logger *log.Logger) NetworkStrategy {
	if cfg.NetworkMode != "" {
		return NetworkStrategy{Mode: cfg.NetworkMode, Source: "config network_mode"}
	}
	if cfg.LancacheDNSIP != "" {
		return NetworkStrategy{
			DNS:     []string{cfg.LancacheDNSIP},
			Sysctls: ipv6OffSysctls(),
			Source:  "config lancache_dns_ip",
		}
	}

	state, err := engine.InspectContainer(ctx, lancacheDNSContainer)
	if err != nil {
		logger.Warn("cannot inspect lancache-dns container, using engine default network", map[string]any{
			"error": err.Error(),
		})
		return NetworkStrategy{Source: "default"}
	}
	if state.HostNetwork {
		return NetworkStrategy{Mode: "host", Source: "lancache-dns host network"}
	}

	networks := make([]string, 0, len(state.IPAddresses))
	for name := range state.IPAddresses {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	for _, name := range networks {
		ip := state.IPAddresses[name]
		if ip == "" {
			continue
		}
		return NetworkStrategy{
			DNS:     []string{ip},
			Sysctls: ipv6OffSysctls(),
			Source:  "lancache-dns address on " + name,
		}
	}

	logger.Warn("lancache-dns container has no usable address, using engine default network", nil)
	return NetworkStrategy{Source: "default"}
}
