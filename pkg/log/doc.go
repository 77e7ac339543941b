// Package log provides structured logging shared by the leader and agent
// binaries, built on zerolog. Call Init once at startup, then use the
// package-level Logger or one of the With* helpers to get a child logger
// scoped to a component, worker, deployment, service, or token.
package log
