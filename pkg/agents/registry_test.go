package agents_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopAgent struct{}

func (noopAgent) Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func TestRegistryResolvesSynonyms(t *testing.T) {
	r := agents.NewRegistry()
	r.Register(models.DeploymentCapability, noopAgent{})

	for _, name := range []string{"deployment", "deploy", "BUILD", "release"} {
		agent, err := r.Resolve(name)
		require.NoError(t, err, name)
		assert.NotNil(t, agent)
	}
}

func TestRegistryFailsClosed(t *testing.T) {
	r := agents.NewRegistry()
	r.Register(models.DeploymentCapability, noopAgent{})

	_, err := r.Resolve("teleportation")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownCapability))

	// Known capability with no registered agent is still an error, never a
	// default route.
	_, err = r.Resolve("monitoring")
	assert.Error(t, err)
}
