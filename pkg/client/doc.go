// Package client is the leader's HTTP relay to a worker agent's control
// API: per-operation timeouts, X-Node-Secret auth, JSON request/response
// bodies shared with pkg/agent so the wire format can't drift between
// the two sides.
package client
