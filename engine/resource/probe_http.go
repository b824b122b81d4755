package resource

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// HTTPProbe checks an ExternalHttpApi resource by GETting its configured
// health URL. 2xx is Healthy, 5xx is Degraded, other codes are Degraded,
// and network failures or timeouts are Unavailable.
type HTTPProbe struct {
	Client *http.Client
}

// Check implements Probe. The spec config must carry "health_url".
func (p *HTTPProbe) Check(ctx context.Context, spec Spec) (Status, error) {
	url, _ := spec.Config["health_url"].(string)
	if url == "" {
		return StatusUnknown, fmt.Errorf("resource %q has no health_url", spec.Name)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnknown, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return StatusUnavailable, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return StatusHealthy, nil
	case resp.StatusCode >= 500:
		return StatusDegraded, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	default:
		return StatusDegraded, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
}
