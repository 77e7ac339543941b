package agent

import "sync"

// nameLocks serializes container operations per container name so that
// concurrent deploy/stop/restart/remove requests for the same name
// compose to one-after-the-other instead of racing in the runtime.
type nameLocks struct {
	locks sync.Map // string -> *sync.Mutex
}

func (n *nameLocks) lock(name string) func() {
	v, _ := n.locks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
