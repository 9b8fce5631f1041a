// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeConsul(t *testing.T) *ServiceDiscovery {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/v1/agent/service/register"):
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/v1/agent/service/deregister"):
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/health/service/catalog":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"Service": {"Address": "10.0.0.1", "Port": 8080}},
				{"Service": {"Address": "10.0.0.2", "Port": 8080}}
			]`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/health/service/empty":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	sd, err := NewServiceDiscovery(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	return sd
}

func TestNewServiceDiscovery(t *testing.T) {
	tests := []struct {
		name    string
		address string
	}{
		{name: "valid address", address: "127.0.0.1:8500"},
		{name: "empty address should use default", address: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sd, err := NewServiceDiscovery(tt.address)
			require.NoError(t, err)
			assert.NotNil(t, sd.client)
		})
	}
}

func TestRegisterAndDeregister(t *testing.T) {
	sd := fakeConsul(t)
	reg := Registration{Name: "catalog", Address: "127.0.0.1", Port: 8081}

	assert.NoError(t, sd.Register(context.Background(), reg))
	assert.NoError(t, sd.Deregister(context.Background(), reg))
	assert.Equal(t, "catalog-127.0.0.1-8081", reg.id())
}

func TestResolveRoundRobin(t *testing.T) {
	sd := fakeConsul(t)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		u, err := sd.Resolve(context.Background(), "catalog")
		require.NoError(t, err)
		seen[u] = true
	}
	assert.Equal(t, map[string]bool{"http://10.0.0.1:8080": true, "http://10.0.0.2:8080": true}, seen)
}

func TestResolveWithoutHealthyInstances(t *testing.T) {
	sd := fakeConsul(t)

	_, err := sd.Resolve(context.Background(), "empty")
	assert.Error(t, err)

	_, err = sd.Resolve(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	u, err := Static("http://catalog:8081").Resolve(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "http://catalog:8081", u)

	_, err = Static("").Resolve(context.Background(), "x")
	assert.Error(t, err)
}
