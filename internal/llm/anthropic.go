// Package llm provides the Anthropic-backed implementations of the
// planning, fault-analysis and diagnosis boundaries. All intelligence is
// external; this package only prompts and parses.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
)

// Client wraps the Anthropic SDK client behind the agent boundaries.
type Client struct {
	inner anthropic.Client
	model anthropic.Model
}

// ClientConfig configures a new Client.
type ClientConfig struct {
	// APIKey overrides the ANTHROPIC_API_KEY env var when set.
	APIKey string
	// Model defaults to Claude Sonnet when empty.
	Model anthropic.Model
}

func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable is not set")
	}
	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &Client{
		inner: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}, nil
}

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		// Model API failures are transport problems: the queue retries them.
		return "", agents.Transient(errors.Wrap(err, "anthropic request"))
	}
	var out string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += variant.Text
		}
	}
	return strings.TrimSpace(out), nil
}

// stripFences removes a markdown code fence around a JSON reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

const planPrompt = `You are a deployment planner. Decompose the intent below into an ordered
list of tasks. Respond with ONLY a JSON array; each element has the fields
"capability" (one of deployment, monitoring, diagnosis), "name" and "input"
(an object). Deployment inputs need "deployment_id" and "repo_url";
monitoring inputs need "deployment_id" and "target".

Deployment ID: %s
Repository: %s
Target domain: %s
Intent: %s`

// Plan implements agents.Planner.
func (c *Client) Plan(ctx context.Context, req agents.PlanRequest) ([]agents.PlannedTask, error) {
	text, err := c.complete(ctx, fmt.Sprintf(planPrompt, req.DeploymentID, req.RepoURL, req.Domain, req.Intent), 2048)
	if err != nil {
		return nil, err
	}
	var planned []agents.PlannedTask
	if err := json.Unmarshal([]byte(stripFences(text)), &planned); err != nil {
		return nil, errors.Wrap(err, "unparseable plan")
	}
	return planned, nil
}

const analyzePrompt = `A container build failed. Classify the failure and propose a corrected
build specification. Respond with ONLY a JSON object with the fields
"classification", "root_cause", "suggested_fix", "patched_spec" (the full
corrected Dockerfile, or empty if not correctable), "confidence" (0..1) and
"requires_manual_intervention" (boolean; true when the fix needs credentials,
code changes or human judgement).

Repository: %s
Current build specification:
%s

Build error:
%s`

// Analyze implements agents.FaultAnalyzer.
func (c *Client) Analyze(ctx context.Context, spec agents.BuildSpec, buildErr error) (agents.FaultAnalysis, error) {
	text, err := c.complete(ctx, fmt.Sprintf(analyzePrompt, spec.RepoURL, spec.Dockerfile, buildErr), 2048)
	if err != nil {
		return agents.FaultAnalysis{}, err
	}
	var analysis agents.FaultAnalysis
	if err := json.Unmarshal([]byte(stripFences(text)), &analysis); err != nil {
		return agents.FaultAnalysis{}, errors.Wrap(err, "unparseable fault analysis")
	}
	return analysis, nil
}

const diagnosePrompt = `A deployment is unhealthy. Derive the root cause and a concrete
suggestion. Respond with ONLY a JSON object with the fields "root_cause"
and "suggestion".

Error:
%s

Recent logs:
%s

Similar past incidents:
%s`

// Diagnose implements agents.Diagnoser.
func (c *Client) Diagnose(ctx context.Context, in agents.DiagnoseInput, similar []agents.IncidentRef) (agents.DiagnoseResult, error) {
	var incidents strings.Builder
	for _, ref := range similar {
		fmt.Fprintf(&incidents, "- %s: %s\n", ref.ID, ref.Summary)
	}
	text, err := c.complete(ctx, fmt.Sprintf(diagnosePrompt, in.ErrorText, strings.Join(in.RecentLogs, "\n"), incidents.String()), 1024)
	if err != nil {
		return agents.DiagnoseResult{}, err
	}
	var result agents.DiagnoseResult
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		return agents.DiagnoseResult{}, errors.Wrap(err, "unparseable diagnosis")
	}
	return result, nil
}
