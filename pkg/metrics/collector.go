package metrics

import (
	"time"

	"github.com/ushadow-io/fleetd/pkg/storage"
)

// Collector periodically polls the store and republishes fleet-wide
// gauges. It runs only in the leader process.
type Collector struct {
	store  storage.Store
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a Collector that samples store every period.
func NewCollector(store storage.Store, period time.Duration) *Collector {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Collector{store: store, period: period, stopCh: make(chan struct{})}
}

// Start begins collecting in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkers()
	c.collectServices()
	c.collectDeployments()
	c.collectTokens()
}

func (c *Collector) collectWorkers() {
	workers, err := c.store.Nodes().List(storage.NodeFilter{})
	if err != nil {
		return
	}
	counts := make(map[string]map[string]int)
	for _, w := range workers {
		role, status := string(w.Role), string(w.Status)
		if counts[role] == nil {
			counts[role] = make(map[string]int)
		}
		counts[role][status]++
	}
	for role, statuses := range counts {
		for status, n := range statuses {
			WorkersTotal.WithLabelValues(role, status).Set(float64(n))
		}
	}
}

func (c *Collector) collectServices() {
	services, err := c.store.Services().List()
	if err != nil {
		return
	}
	ServicesTotal.Set(float64(len(services)))
}

func (c *Collector) collectDeployments() {
	deployments, err := c.store.Deployments().List()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, d := range deployments {
		counts[string(d.Status)]++
	}
	for status, n := range counts {
		DeploymentsTotal.WithLabelValues(status).Set(float64(n))
	}
}

func (c *Collector) collectTokens() {
	tokens, err := c.store.Tokens().List()
	if err != nil {
		return
	}
	active := 0
	now := time.Now().UTC()
	for _, t := range tokens {
		if t.IsActive && t.Uses < t.MaxUses && now.Before(t.ExpiresAt) {
			active++
		}
	}
	ActiveJoinTokensTotal.Set(float64(active))
}
