// Package discover enumerates mesh-VPN peers by shelling out to a
// configurable VPN CLI binary and parsing its JSON status output.
package discover

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/ushadow-io/fleetd/pkg/fleeterr"
)

// Peer is one VPN peer as reported by the VPN CLI, stripped down to the
// two fields peer discovery needs.
type Peer struct {
	Hostname   string
	VPNAddress string
}

// Lister enumerates the current VPN peer list.
type Lister interface {
	ListPeers(ctx context.Context) ([]Peer, error)
}

// TailscaleLister shells out to `<command> status --json` and parses the
// Peer map, the default VPN backend. The command is configurable so the
// implementation is not hard-wired to one VPN vendor.
type TailscaleLister struct {
	Command string
}

// NewTailscaleLister constructs a TailscaleLister. An empty command
// defaults to "tailscale".
func NewTailscaleLister(command string) *TailscaleLister {
	if command == "" {
		command = "tailscale"
	}
	return &TailscaleLister{Command: command}
}

// tailscaleStatus is the subset of `tailscale status --json` this package
// reads.
type tailscaleStatus struct {
	Peer map[string]tailscalePeer `json:"Peer"`
}

type tailscalePeer struct {
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	Online       bool     `json:"Online"`
}

func (l *TailscaleLister) ListPeers(ctx context.Context) ([]Peer, error) {
	out, err := exec.CommandContext(ctx, l.Command, "status", "--json").Output()
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.RuntimeUnavailable, "run vpn status command", err)
	}

	var status tailscaleStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, "parse vpn status output", err)
	}

	peers := make([]Peer, 0, len(status.Peer))
	for _, p := range status.Peer {
		if len(p.TailscaleIPs) == 0 {
			continue
		}
		hostname := strings.SplitN(p.DNSName, ".", 2)[0]
		peers = append(peers, Peer{Hostname: hostname, VPNAddress: p.TailscaleIPs[0]})
	}
	return peers, nil
}
