package engine

import (
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
)

// NewClient dials the Temporal frontend at hostPort and installs the OTEL
// tracing interceptor, grounded on the teacher's temporal engine adapter
// (internal/core/engine/temporal/engine.go's Options.Instrumentation).
func NewClient(hostPort, namespace string) (client.Client, error) {
	tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("engine: build tracing interceptor: %w", err)
	}

	c, err := client.Dial(client.Options{
		HostPort:     hostPort,
		Namespace:    namespace,
		Interceptors: []interceptor.ClientInterceptor{tracer},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: dial temporal: %w", err)
	}
	return c, nil
}

// NewWorker constructs a worker.Worker registered for TurnWorkflow and its
// backing RunConversationTurn activity, listening on TaskQueueName unless
// taskQueue overrides it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	if taskQueue == "" {
		taskQueue = TaskQueueName
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(TurnWorkflow)
	w.RegisterActivityWithOptions(acts.RunTurn, activity.RegisterOptions{Name: activityName})
	return w
}
