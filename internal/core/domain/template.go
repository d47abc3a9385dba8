package domain

import "time"

// TemplateKey identifies an agent template in the catalog.
// The same flavor exists in a privileged and an unprivileged variant.
type TemplateKey struct {
	Flavor     string `json:"flavor"`
	Privileged bool   `json:"privileged"`
}

func (k TemplateKey) String() string {
	if k.Privileged {
		return k.Flavor + "/privileged"
	}
	return k.Flavor + "/unprivileged"
}

// AgentTemplate is an immutable catalog entry describing one build
// environment variant. Instances are provisioned from the template's
// container image on demand.
type AgentTemplate struct {
	Flavor        string `json:"flavor" yaml:"flavor"`
	Privileged    bool   `json:"privileged" yaml:"privileged"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	SingleUse     bool   `json:"single_use" yaml:"single_use"`
	Image         string `json:"image" yaml:"image"`
}

func (t AgentTemplate) Key() TemplateKey {
	return TemplateKey{Flavor: t.Flavor, Privileged: t.Privileged}
}

type InstanceState string

const (
	InstanceProvisioning InstanceState = "provisioning"
	InstanceReady        InstanceState = "ready"
	InstanceBusy         InstanceState = "busy"
	InstanceDraining     InstanceState = "draining"
	InstanceDestroyed    InstanceState = "destroyed"
	InstanceFailed       InstanceState = "failed"
)

// AgentInstance is a live (or failed) container provisioned from a
// template. State is owned exclusively by the agent pool; nothing outside
// the pool mutates it.
type AgentInstance struct {
	ID            string        `json:"id"`
	Template      TemplateKey   `json:"template"`
	State         InstanceState `json:"state"`
	RuntimeHandle string        `json:"runtime_handle"`
	UseCount      int           `json:"use_count"`
	CreatedAt     time.Time     `json:"created_at"`
	IdleSince     time.Time     `json:"idle_since,omitempty"`
}

// Catalog is the immutable set of agent templates, built once at startup.
type Catalog struct {
	templates map[TemplateKey]AgentTemplate
}

func NewCatalog(templates []AgentTemplate) *Catalog {
	m := make(map[TemplateKey]AgentTemplate, len(templates))
	for _, t := range templates {
		m[t.Key()] = t
	}
	return &Catalog{templates: m}
}

func (c *Catalog) Lookup(key TemplateKey) (AgentTemplate, bool) {
	t, ok := c.templates[key]
	return t, ok
}

func (c *Catalog) All() []AgentTemplate {
	out := make([]AgentTemplate, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	return out
}
