// Package build provides the docker-backed BuildRunner. The self-correction
// loop patches the Dockerfile between attempts, so the runner materializes
// the build spec into a scratch workspace on every call.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
)

const containerPort = "8080/tcp"

// DockerRunner implements agents.BuildRunner against a local docker daemon.
type DockerRunner struct {
	inner   *client.Client
	workDir string
}

func NewDockerRunner(workDir string) (*DockerRunner, error) {
	inner, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &DockerRunner{inner: inner, workDir: workDir}, nil
}

func (r *DockerRunner) Close() error { return r.inner.Close() }

// Build clones the repository, writes the (possibly patched) Dockerfile,
// builds the image and starts a container for it.
func (r *DockerRunner) Build(ctx context.Context, spec agents.BuildSpec) (agents.BuildResult, error) {
	dir, err := os.MkdirTemp(r.workDir, "shipmate-build-")
	if err != nil {
		return agents.BuildResult{}, agents.Transient(errors.Wrap(err, "create workspace"))
	}
	defer os.RemoveAll(dir)

	if err := cloneRepo(ctx, spec.RepoURL, dir); err != nil {
		return agents.BuildResult{}, err
	}
	if spec.Dockerfile != "" {
		if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(spec.Dockerfile), 0o644); err != nil {
			return agents.BuildResult{}, agents.Transient(errors.Wrap(err, "write dockerfile"))
		}
	}

	tag := spec.ImageTag
	if tag == "" {
		tag = fmt.Sprintf("shipmate/%s:latest", sanitizeTag(spec.RepoURL))
	}
	if err := r.buildImage(ctx, dir, tag); err != nil {
		return agents.BuildResult{}, err
	}

	containerID, endpoint, err := r.runContainer(ctx, tag)
	if err != nil {
		return agents.BuildResult{}, err
	}
	return agents.BuildResult{ImageRef: tag, ContainerID: containerID, Endpoint: endpoint}, nil
}

func cloneRepo(ctx context.Context, repoURL, dir string) error {
	if repoURL == "" {
		return errors.New("repo url cannot be empty")
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Errorf("git clone %s: %v: %s", repoURL, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *DockerRunner) buildImage(ctx context.Context, dir, tag string) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return agents.Transient(errors.Wrap(err, "create build context"))
	}
	defer buildCtx.Close()

	resp, err := r.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return agents.Transient(errors.Wrap(err, "docker image build"))
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return agents.Transient(errors.Wrap(err, "decode build output"))
		}
		// A build error is a domain failure: it feeds the self-correction
		// loop rather than the queue.
		if m := msg.errorMessage(); m != "" {
			return errors.Errorf("docker image build: %s", m)
		}
	}
	return nil
}

func (r *DockerRunner) runContainer(ctx context.Context, image string) (string, string, error) {
	port := nat.Port(containerPort)
	cfg := &container.Config{
		Image:        image,
		ExposedPorts: map[nat.Port]struct{}{port: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
	}
	created, err := r.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", errors.Wrap(err, "container create")
	}
	if err := r.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", errors.Wrap(err, "container start")
	}

	inspect, err := r.inner.ContainerInspect(ctx, created.ID)
	if err != nil {
		return created.ID, "", errors.Wrap(err, "container inspect")
	}
	endpoint := ""
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, binding := range bindings {
				if binding.HostPort != "" {
					endpoint = fmt.Sprintf("http://%s:%s", binding.HostIP, binding.HostPort)
					break
				}
			}
		}
	}
	return created.ID, endpoint, nil
}

func sanitizeTag(repoURL string) string {
	name := strings.TrimSuffix(filepath.Base(repoURL), ".git")
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "workload"
	}
	return b.String()
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}
