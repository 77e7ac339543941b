// Package bootstrap renders the shell and PowerShell scripts served to a
// machine joining the fleet: install the container runtime and mesh VPN
// client if missing, connect, call /register, and print the worker
// secret the agent needs to start. Pure text/template substitution, no
// dynamic logic beyond the token and leader address/port the caller
// supplies.
package bootstrap

import (
	"bytes"
	"text/template"
)

// Params are the substitution values every script variant needs.
type Params struct {
	Token      string
	LeaderHost string
	LeaderPort int
}

func render(tmpl *template.Template, p Params) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// JoinScript renders the POSIX join script: assumes the VPN client is
// already installed and connected, registers with the leader, and prints
// the worker secret.
func JoinScript(p Params) (string, error) { return render(joinTmpl, p) }

// JoinScriptPowerShell renders the Windows PowerShell equivalent of
// JoinScript.
func JoinScriptPowerShell(p Params) (string, error) { return render(joinPSTmpl, p) }

// BootstrapScript renders the POSIX bootstrap script: installs the
// container runtime and VPN client if missing, connects, then performs
// the same registration steps as JoinScript.
func BootstrapScript(p Params) (string, error) { return render(bootstrapTmpl, p) }

// BootstrapScriptPowerShell renders the Windows PowerShell counterpart of
// BootstrapScript: it installs the container runtime and VPN client if
// missing, then runs the PowerShell join script. It does not bring the
// VPN connection up; the join script fails if no VPN address is found.
func BootstrapScriptPowerShell(p Params) (string, error) { return render(bootstrapPSTmpl, p) }

var joinTmpl = template.Must(template.New("join.sh").Parse(`#!/bin/sh
# Fleet agent join script
set -e
TOKEN="{{.Token}}"
LEADER_URL="http://{{.LeaderHost}}:{{.LeaderPort}}"

echo "Joining fleet at $LEADER_URL"

NODE_HOSTNAME=$(hostname)
VPN_ADDRESS=$(tailscale ip -4 2>/dev/null || echo "")
if [ -z "$VPN_ADDRESS" ]; then
    echo "error: no VPN address; is the mesh VPN client connected?" >&2
    exit 1
fi

PLATFORM="linux"
case "$(uname -s)" in
    Darwin*) PLATFORM="macos" ;;
    MINGW*|CYGWIN*|MSYS*) PLATFORM="windows" ;;
esac

REGISTER_RESPONSE=$(curl -fsSL -X POST "$LEADER_URL/register" \
    -H "Content-Type: application/json" \
    -d "{\"token\":\"$TOKEN\",\"hostname\":\"$NODE_HOSTNAME\",\"vpn_address\":\"$VPN_ADDRESS\",\"platform\":\"$PLATFORM\",\"agent_version\":\"bootstrap\"}")

NODE_SECRET=$(echo "$REGISTER_RESPONSE" | grep -o '"secret":"[^"]*"' | cut -d'"' -f4)
if [ -z "$NODE_SECRET" ]; then
    echo "registration failed: $REGISTER_RESPONSE" >&2
    exit 1
fi

echo "registered as $NODE_HOSTNAME"
echo "NODE_SECRET=$NODE_SECRET"
echo "set LEADER_URL, NODE_SECRET, NODE_HOSTNAME, VPN_ADDRESS in the agent's environment and start fleet-agent"
`))

var joinPSTmpl = template.Must(template.New("join.ps1").Parse(`# Fleet agent join script (PowerShell)
$ErrorActionPreference = "Stop"
$Token = "{{.Token}}"
$LeaderUrl = "http://{{.LeaderHost}}:{{.LeaderPort}}"

Write-Host "Joining fleet at $LeaderUrl"

$NodeHostname = $env:COMPUTERNAME
$VpnAddress = (tailscale ip -4 2>$null)
if (-not $VpnAddress) {
    Write-Error "no VPN address; is the mesh VPN client connected?"
    exit 1
}

$Body = @{
    token         = $Token
    hostname      = $NodeHostname
    vpn_address   = $VpnAddress
    platform      = "windows"
    agent_version = "bootstrap"
} | ConvertTo-Json

$Response = Invoke-RestMethod -Uri "$LeaderUrl/register" -Method Post -Body $Body -ContentType "application/json"
if (-not $Response.secret) {
    Write-Error "registration failed: $($Response | ConvertTo-Json)"
    exit 1
}

Write-Host "registered as $NodeHostname"
Write-Host "NODE_SECRET=$($Response.secret)"
Write-Host "set LEADER_URL, NODE_SECRET, NODE_HOSTNAME, VPN_ADDRESS in the agent's environment and start fleet-agent"
`))

var bootstrapTmpl = template.Must(template.New("bootstrap.sh").Parse(`#!/bin/sh
# Fleet agent bootstrap script: installs the container runtime and mesh
# VPN client if missing, connects, then joins.
set -e

if ! command -v docker >/dev/null 2>&1; then
    echo "[1/3] Installing container runtime..."
    curl -fsSL https://get.docker.com | sh
fi

if ! command -v tailscale >/dev/null 2>&1; then
    echo "[2/3] Installing mesh VPN client..."
    curl -fsSL https://tailscale.com/install.sh | sh
fi

if ! tailscale status >/dev/null 2>&1; then
    echo "[3/3] Connecting mesh VPN..."
    sudo tailscale up
fi

curl -sL "http://{{.LeaderHost}}:{{.LeaderPort}}/join/{{.Token}}" | sh
`))

var bootstrapPSTmpl = template.Must(template.New("bootstrap.ps1").Parse(`# Fleet agent bootstrap script (PowerShell)
$ErrorActionPreference = "Continue"

if (-not (Get-Command docker -ErrorAction SilentlyContinue)) {
    Write-Host "[1/3] Installing container runtime..." -ForegroundColor Yellow
    winget install -e --id Docker.DockerDesktop --accept-source-agreements --accept-package-agreements | Out-Null
}

if (-not (Get-Command tailscale -ErrorAction SilentlyContinue)) {
    Write-Host "[2/3] Installing mesh VPN client..." -ForegroundColor Yellow
    winget install -e --id Tailscale.Tailscale --accept-source-agreements --accept-package-agreements | Out-Null
}

Write-Host "[3/3] Joining fleet..." -ForegroundColor Yellow
iex (iwr "http://{{.LeaderHost}}:{{.LeaderPort}}/join/{{.Token}}/ps1").Content
`))
