package casregistry

import "strings"

// Usage restricts which programs accept a backend. Backends are linked at
// build time: each registers itself in init() and a binary enables it with a
// blank import.
type Usage uint8

const (
	// UsageCLI indicates the backend should be available in CLI programs.
	UsageCLI Usage = 1 << iota
	// UsageDaemon indicates the backend should be available in long-running daemons (e.g. peerlog-blockd).
	UsageDaemon
	// UsageNode indicates the backend may back a replicating log node.
	UsageNode
)

func (u Usage) allows(want Usage) bool { return u&want != 0 }

func (u Usage) String() string {
	var parts []string
	for _, n := range []struct {
		u    Usage
		name string
	}{{UsageCLI, "cli"}, {UsageDaemon, "daemon"}, {UsageNode, "node"}} {
		if u&n.u != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
