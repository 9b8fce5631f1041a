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

// Package discovery registers services with Consul and resolves them to base URLs.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/consul/api"
)

// Resolver turns a logical service name into a base URL.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// Static always resolves to the same URL.
type Static string

// Resolve implements Resolver.
func (s Static) Resolve(context.Context, string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no static address configured")
	}
	return string(s), nil
}

// Registration describes one instance announced to Consul.
type Registration struct {
	Name       string
	Address    string
	Port       int
	HealthPath string
	Tags       []string
}

func (r Registration) id() string {
	return fmt.Sprintf("%s-%s-%d", r.Name, r.Address, r.Port)
}

// ServiceDiscovery handles service discovery using Consul.
type ServiceDiscovery struct {
	client *api.Client
	scheme string

	mu              sync.Mutex
	roundRobinIndex int
}

// NewServiceDiscovery creates a client for the agent at address. An empty
// address uses the Consul client default.
func NewServiceDiscovery(address string) (*ServiceDiscovery, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{client: client, scheme: "http"}, nil
}

// Register announces reg with an HTTP health check.
func (sd *ServiceDiscovery) Register(ctx context.Context, reg Registration) error {
	health := reg.HealthPath
	if health == "" {
		health = "/healthz"
	}
	registration := &api.AgentServiceRegistration{
		ID:      reg.id(),
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", reg.Address, reg.Port, health),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	opts := api.ServiceRegisterOpts{}.WithContext(ctx)
	return sd.client.Agent().ServiceRegisterOpts(registration, opts)
}

// Deregister removes reg from the agent.
func (sd *ServiceDiscovery) Deregister(ctx context.Context, reg Registration) error {
	return sd.client.Agent().ServiceDeregisterOpts(reg.id(), (&api.QueryOptions{}).WithContext(ctx))
}

// Resolve implements Resolver with round-robin over healthy instances.
func (sd *ServiceDiscovery) Resolve(ctx context.Context, service string) (string, error) {
	addr, err := sd.instanceRoundRobin(ctx, service)
	if err != nil {
		return "", err
	}
	return sd.scheme + "://" + addr, nil
}

func (sd *ServiceDiscovery) instanceRoundRobin(ctx context.Context, name string) (string, error) {
	services, _, err := sd.client.Health().Service(name, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("query consul for %s: %w", name, err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("no healthy service instances found: %s", name)
	}

	sd.mu.Lock()
	idx := sd.roundRobinIndex % len(services)
	sd.roundRobinIndex++
	sd.mu.Unlock()

	service := services[idx].Service
	return fmt.Sprintf("%s:%d", service.Address, service.Port), nil
}
