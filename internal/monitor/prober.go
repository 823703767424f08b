// Package monitor provides the HTTP health prober used by the monitoring
// agent.
package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shipmate-dev/shipmate/pkg/agents"
)

const probeBodyLimit = 4096

// HTTPProber implements agents.HealthProber with a plain GET. A workload
// that refuses the connection or answers non-2xx is an unhealthy verdict,
// not a probe failure; the error return is reserved for unusable targets.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, target string) (agents.HealthReport, error) {
	if strings.TrimSpace(target) == "" {
		return agents.HealthReport{}, errors.New("probe target cannot be empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return agents.HealthReport{}, errors.Wrapf(err, "probe target %s", target)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return agents.HealthReport{
			Healthy: false,
			Detail:  fmt.Sprintf("probe of %s failed: %v", target, err),
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return agents.HealthReport{Healthy: true}, nil
	}
	report := agents.HealthReport{
		Healthy: false,
		Detail:  fmt.Sprintf("%s answered %s", target, resp.Status),
	}
	if len(body) > 0 {
		report.RecentLogs = []string{string(body)}
	}
	return report, nil
}
