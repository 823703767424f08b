package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/models"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// DefaultBuildAttempts is the self-correction ceiling: the maximum number
// of build invocations for one execution of a deployment task.
const DefaultBuildAttempts = 3

// BuildSpec is the mutable build specification the self-correction loop
// patches between attempts.
type BuildSpec struct {
	RepoURL    string `json:"repo_url"`
	Domain     string `json:"domain,omitempty"`
	Dockerfile string `json:"dockerfile,omitempty"`
	ImageTag   string `json:"image_tag,omitempty"`
}

// BuildResult describes a successful build-and-run.
type BuildResult struct {
	ImageRef    string `json:"image_ref"`
	ContainerID string `json:"container_id,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// BuildRunner performs one artifact build and launch. Implementations live
// behind this boundary (docker, remote builder); the loop only sees errors.
type BuildRunner interface {
	Build(ctx context.Context, spec BuildSpec) (BuildResult, error)
}

// FaultAnalysis is the structured verdict requested after a failed build.
type FaultAnalysis struct {
	Classification string  `json:"classification"`
	RootCause      string  `json:"root_cause"`
	SuggestedFix   string  `json:"suggested_fix"`
	PatchedSpec    string  `json:"patched_spec,omitempty"`
	Confidence     float64 `json:"confidence"`
	RequiresManual bool    `json:"requires_manual_intervention"`
}

// FaultAnalyzer turns a build failure into a FaultAnalysis.
type FaultAnalyzer interface {
	Analyze(ctx context.Context, spec BuildSpec, buildErr error) (FaultAnalysis, error)
}

// DeploymentAgent builds and launches an artifact, running the bounded
// self-correction loop on build failure.
type DeploymentAgent struct {
	store       storage.Store
	runner      BuildRunner
	analyzer    FaultAnalyzer
	logger      Logger
	maxAttempts int
}

func NewDeploymentAgent(store storage.Store, runner BuildRunner, analyzer FaultAnalyzer, logger Logger, maxAttempts int) *DeploymentAgent {
	if maxAttempts <= 0 {
		maxAttempts = DefaultBuildAttempts
	}
	return &DeploymentAgent{
		store:       store,
		runner:      runner,
		analyzer:    analyzer,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

type deployInput struct {
	DeploymentID string `json:"deployment_id"`
	BuildSpec
}

type deployOutput struct {
	BuildResult
	Attempts int `json:"attempts"`
}

// Execute runs at most maxAttempts builds. Every failed attempt is
// individually logged against the task; only the final error surfaces at
// the task level. A "requires manual intervention" verdict aborts the loop
// immediately, with remaining attempts never spent.
func (a *DeploymentAgent) Execute(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	var in deployInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.Wrap(err, "malformed deployment input")
	}
	if in.RepoURL == "" {
		return nil, errors.New("deployment input missing repo_url")
	}

	spec := in.BuildSpec
	for attempt := 0; ; attempt++ {
		a.audit(taskID, models.SystemLogLevel, fmt.Sprintf("build attempt %d for %s", attempt+1, in.DeploymentID))

		result, buildErr := a.runner.Build(ctx, spec)
		if buildErr == nil {
			out, err := json.Marshal(deployOutput{BuildResult: result, Attempts: attempt})
			if err != nil {
				return nil, errors.Wrap(err, "marshal build output")
			}
			return out, nil
		}
		// Infrastructure failures belong to the queue's redelivery budget,
		// not the correction loop. Surface the marker untouched so the
		// worker nacks instead of failing the task.
		var transient *TransientError
		if errors.As(buildErr, &transient) {
			return nil, buildErr
		}
		a.audit(taskID, models.ErrorLogLevel, fmt.Sprintf("build attempt %d failed: %v", attempt+1, buildErr))

		if attempt+1 >= a.maxAttempts {
			return nil, errors.Wrapf(buildErr, "build failed after %d attempts", attempt+1)
		}

		analysis, err := a.analyzer.Analyze(ctx, spec, buildErr)
		if err != nil {
			if errors.As(err, &transient) {
				return nil, err
			}
			a.audit(taskID, models.ErrorLogLevel, fmt.Sprintf("fault analysis unavailable: %v", err))
			return nil, errors.Wrap(buildErr, "build failed and fault analysis unavailable")
		}
		if analysis.RequiresManual {
			return nil, &ManualInterventionError{Analysis: analysis}
		}
		if analysis.PatchedSpec == "" {
			return nil, errors.Wrap(buildErr, "build failed with no applicable correction")
		}

		spec.Dockerfile = analysis.PatchedSpec
		if err := a.store.IncrementTaskAttempts(taskID); err != nil {
			a.logger.Errorf("Failed to increment attempts for task %s: %v", taskID, err)
		}
		a.audit(taskID, models.InfoLogLevel, fmt.Sprintf("applied correction (%s), retrying", analysis.Classification))
	}
}

func (a *DeploymentAgent) audit(taskID string, level models.LogLevel, msg string) {
	if err := a.store.AppendLog(models.TaskLog{TaskID: taskID, Level: level, Message: msg}); err != nil {
		a.logger.Errorf("Failed to append log for task %s: %v", taskID, err)
	}
}
