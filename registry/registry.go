// Package registry is the service-discovery collaborator: it maps a service
// name to the addresses of the servers currently offering it.
package registry

import "context"

// ServiceInstance is one server advertising a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises instance under serviceName. ttl is in seconds;
	// implementations without expiry ignore it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list of serviceName after every change
	// until ctx ends, then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	// Close releases the registry connection.
	Close() error
}
