package agents

import (
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
)

// Registry maps capabilities to their executors. It is populated once at
// startup and performs no business logic; resolution fails closed on names
// it cannot normalize, since capability names may arrive from free-form
// planning output.
type Registry struct {
	agents map[models.Capability]Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[models.Capability]Agent)}
}

func (r *Registry) Register(capability models.Capability, agent Agent) {
	r.agents[capability] = agent
}

// Resolve normalizes a free-text capability name and returns its agent.
func (r *Registry) Resolve(name string) (Agent, error) {
	capability, err := models.ParseCapability(name)
	if err != nil {
		return nil, err
	}
	agent, ok := r.agents[capability]
	if !ok {
		return nil, errors.Wrapf(models.ErrUnknownCapability, "no agent registered for %s", capability)
	}
	return agent, nil
}
