// Package types defines the core data model: workers, join tokens, service
// definitions, and deployments. Everything else (storage, cluster
// coordination, the agent, the HTTP surfaces) is built on top of these
// structs; none of them carry behavior beyond small invariant helpers.
package types
