package resource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biomapper/strategy-engine/engine/resource"
)

func httpSpec(url string) resource.Spec {
	return resource.Spec{
		Name:   "chat_api",
		Type:   resource.TypeExternalHTTPAPI,
		Config: map[string]any{"health_url": url},
	}
}

func TestHTTPProbe(t *testing.T) {
	t.Run("2xx is healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		p := &resource.HTTPProbe{Client: srv.Client()}
		status, err := p.Check(context.Background(), httpSpec(srv.URL+"/health"))
		require.NoError(t, err)
		assert.Equal(t, resource.StatusHealthy, status)
	})

	t.Run("5xx is degraded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := &resource.HTTPProbe{Client: srv.Client()}
		status, err := p.Check(context.Background(), httpSpec(srv.URL+"/health"))
		assert.Error(t, err)
		assert.Equal(t, resource.StatusDegraded, status)
	})

	t.Run("connection failure is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		p := &resource.HTTPProbe{}
		status, err := p.Check(context.Background(), httpSpec(url+"/health"))
		assert.Error(t, err)
		assert.Equal(t, resource.StatusUnavailable, status)
	})

	t.Run("missing health_url", func(t *testing.T) {
		p := &resource.HTTPProbe{}
		status, err := p.Check(context.Background(), resource.Spec{Name: "bare", Type: resource.TypeExternalHTTPAPI})
		assert.Error(t, err)
		assert.Equal(t, resource.StatusUnknown, status)
	})
}
