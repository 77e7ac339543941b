// Package runtime wraps containerd's client API with the container
// lifecycle operations the worker agent's command API needs: pull,
// create, start, stop, delete, status, logs and list, all scoped to a
// dedicated containerd namespace so this fleet's containers never
// collide with anything else the host's containerd daemon manages.
//
// Published ports are not a containerd feature the way they are in
// dockerd, so Runtime forwards them itself: StartContainer resolves the
// container's network-namespace IP via nsenter and spawns a userspace
// TCP proxy per published port, torn down when the container stops.
package runtime
