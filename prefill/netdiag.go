package prefill

import (
	"context"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/log"
)

// Diagnostics summarizes the network checks run inside a session
// container right after it starts. They exist to explain "prefill
// downloads bypass the cache" reports; failures never block the session.
type Diagnostics struct {
	ProbeURL    string          `json:"probeUrl,omitempty"`
	ProbeOK     bool            `json:"probeOk"`
	ProbeTool   string          `json:"probeTool,omitempty"`
	ProbeDetail string          `json:"probeDetail,omitempty"`
	DNS         []DNSDiagnostic `json:"dns,omitempty"`
	RanAt       time.Time       `json:"ranAt"`
}

// DNSDiagnostic is the resolution result for one lancache-relevant
// domain. Private means the answer points at RFC 1918, ULA, loopback or
// link-local space, which is what a working lancache DNS looks like.
type DNSDiagnostic struct {
	Domain   string `json:"domain"`
	Resolved bool   `json:"resolved"`
	Address  string `json:"address,omitempty"`
	Private  bool   `json:"private"`
	Tool     string `json:"tool,omitempty"`
}

var pingAddrPattern = regexp.MustCompile(`\(([0-9a-fA-F:.]+)\)`)

// runDiagnostics executes the connectivity probe and per-domain DNS
// checks inside the container. Worker images differ in installed
// tooling, so each check walks a fallback chain.
func runDiagnostics(ctx context.Context, engine Engine, containerID, probeURL string, domains []string, logger *log.Logger) *Diagnostics {
	diag := &Diagnostics{ProbeURL: probeURL, RanAt: time.Now().UTC()}

	if probeURL != "" {
		diag.ProbeOK, diag.ProbeTool, diag.ProbeDetail = probeConnectivity(ctx, engine, containerID, probeURL)
	}
	for _, domain := range domains {
		diag.DNS = append(diag.DNS, resolveDomain(ctx, engine, containerID, domain))
	}

	fields := map[string]any{"probe_ok": diag.ProbeOK, "domains": len(diag.DNS)}
	private := 0
	for _, d := range diag.DNS {
		if d.Resolved && d.Private {
			private++
		}
	}
	fields["private_answers"] = private
	logger.Info("session network diagnostics", fields)
	return diag
}

// probeConnectivity fetches probeURL with wget, then curl.
func probeConnectivity(ctx context.Context, engine Engine, containerID, probeURL string) (ok bool, tool, detail string) {
	attempts := []struct {
		tool string
		cmd  []string
	}{
		{"wget", []string{"wget", "-q", "-O", "/dev/null", "--timeout=10", probeURL}},
		{"curl", []string{"curl", "-fsS", "-m", "10", "-o", "/dev/null", probeURL}},
	}

	for _, attempt := range attempts {
		result, err := engine.Exec(ctx, containerID, attempt.cmd)
		if err != nil {
			detail = err.Error()
			continue
		}
		if result.ExitCode == 0 {
			return true, attempt.tool, ""
		}
		detail = strings.TrimSpace(result.Output)
	}
	return false, "", detail
}

// resolveDomain resolves one domain with nslookup, getent, then ping.
func resolveDomain(ctx context.Context, engine Engine, containerID, domain string) DNSDiagnostic {
	diag := DNSDiagnostic{Domain: domain}

	if result, err := engine.Exec(ctx, containerID, []string{"nslookup", domain}); err == nil && result.ExitCode == 0 {
		if addr := parseNslookup(result.Output); addr != "" {
			return classify(diag, addr, "nslookup")
		}
	}
	if result, err := engine.Exec(ctx, containerID, []string{"getent", "hosts", domain}); err == nil && result.ExitCode == 0 {
		if fields := strings.Fields(result.Output); len(fields) > 0 {
			return classify(diag, fields[0], "getent")
		}
	}
	if result, err := engine.Exec(ctx, containerID, []string{"ping", "-c", "1", "-W", "2", domain}); err == nil {
		if m := pingAddrPattern.FindStringSubmatch(result.Output); m != nil {
			return classify(diag, m[1], "ping")
		}
	}
	return diag
}

func classify(diag DNSDiagnostic, addr, tool string) DNSDiagnostic {
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return diag
	}
	diag.Resolved = true
	diag.Address = addr
	diag.Tool = tool
	diag.Private = parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
	return diag
}

// parseNslookup extracts the first answer address. The first Address
// line names the resolver itself and carries a port suffix.
func parseNslookup(output string) string {
	sawServer := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		value, found := strings.CutPrefix(line, "Address:")
		if !found {
			if after, ok := strings.CutPrefix(line, "Address "); ok {
				// BusyBox prints "Address 1: ..." style lines.
				if idx := strings.Index(after, ":"); idx >= 0 {
					value = after[idx+1:]
					found = true
				}
			}
		}
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.TrimSuffix(value, "#53")
		if idx := strings.LastIndex(value, "#"); idx >= 0 {
			value = value[:idx]
		}
		// The resolver line may read "127.0.0.11:53".
		if host, _, ok := strings.Cut(value, ":"); ok && strings.Count(value, ":") == 1 {
			value = host
		}
		if idx := strings.Index(value, " "); idx >= 0 {
			value = value[:idx]
		}
		if !sawServer {
			sawServer = true
			continue
		}
		if _, err := netip.ParseAddr(value); err == nil {
			return value
		}
	}
	return ""
}
