package resource

import "context"

// ContainerRuntime abstracts the container engine used to run
// ContainerWorkload resources (and container-backed vector stores). The
// production adapter shells out to the local runtime; tests use fakes.
type ContainerRuntime interface {
	// Inspect reports whether the named container exists, is running, and
	// whether its configured health check (if any) passes.
	Inspect(ctx context.Context, name string) (exists, running, healthy bool, err error)

	// Run creates and starts the container from its spec config (image,
	// ports, environment, volumes). Must be a no-op when already running.
	Run(ctx context.Context, name string, config map[string]any) error

	// Stop stops the container if it is running.
	Stop(ctx context.Context, name string) error
}

// Probe checks one resource's health. Probes are chosen per resource type;
// a resource type without a probe defaults to Healthy.
type Probe interface {
	Check(ctx context.Context, spec Spec) (Status, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, spec Spec) (Status, error)

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context, spec Spec) (Status, error) {
	return f(ctx, spec)
}
