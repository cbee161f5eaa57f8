package pool

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type InstanceStatus struct {
	ID        string    `json:"id" yaml:"id"`
	Exclusive bool      `json:"exclusive" yaml:"exclusive"`
	Domain    string    `json:"domain,omitempty" yaml:"domain,omitempty"`
	State     string    `json:"state" yaml:"state"`
	Tabs      int       `json:"tabs" yaml:"tabs"`
	MaxTabs   int       `json:"maxTabs" yaml:"maxTabs"`
	LastUsed  time.Time `json:"lastUsed,omitempty" yaml:"lastUsed,omitempty"`
}

type Status struct {
	MaxInstances int              `json:"maxInstances" yaml:"maxInstances"`
	Tabs         int              `json:"tabs" yaml:"tabs"`
	Instances    []InstanceStatus `json:"instances" yaml:"instances"`
}

// Status reports a snapshot of the pool
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := Status{
		MaxInstances: p.cfg.MaxInstances,
		Instances:    make([]InstanceStatus, 0, len(p.instances)),
	}
	for _, inst := range p.instances {
		result.Tabs += len(inst.tabs)
		result.Instances = append(result.Instances, InstanceStatus{
			ID:        inst.id,
			Exclusive: inst.exclusive,
			Domain:    inst.domain,
			State:     string(inst.state),
			Tabs:      len(inst.tabs),
			MaxTabs:   inst.maxTabs,
			LastUsed:  inst.lastUsed,
		})
	}
	sort.Slice(result.Instances, func(i, j int) bool {
		return result.Instances[i].ID < result.Instances[j].ID
	})

	return result
}

var (
	instancesDesc = prometheus.NewDesc("verdandi_pool_instances", "Browser instances in the pool by state", []string{"state", "exclusive"}, nil)
	tabsDesc      = prometheus.NewDesc("verdandi_pool_tabs", "Open tabs in the pool", nil, nil)
	capacityDesc  = prometheus.NewDesc("verdandi_pool_max_instances", "Maximum number of browser instances", nil, nil)
)

// Describe implements prometheus.Collector
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	ch <- instancesDesc
	ch <- tabsDesc
	ch <- capacityDesc
}

// Collect implements prometheus.Collector
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	status := p.Status()

	type key struct {
		state     string
		exclusive bool
	}
	counts := map[key]int{}
	for _, inst := range status.Instances {
		counts[key{inst.State, inst.Exclusive}]++
	}
	for k, n := range counts {
		exclusive := "false"
		if k.exclusive {
			exclusive = "true"
		}
		ch <- prometheus.MustNewConstMetric(instancesDesc, prometheus.GaugeValue, float64(n), k.state, exclusive)
	}
	ch <- prometheus.MustNewConstMetric(tabsDesc, prometheus.GaugeValue, float64(status.Tabs))
	ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(status.MaxInstances))
}
