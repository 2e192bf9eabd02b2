package orchestrator

import "github.com/arcflow-run/activitycore/internal/toolinvoker"

// InvokerToolRegistry adapts a *toolinvoker.Registry to the ToolRegistry
// seam Orchestrator needs for advertising tool descriptors to a provider
// transport, keeping toolinvoker itself free of any dependency on
// orchestrator's types (which would otherwise form an import cycle, since
// Orchestrator already depends on toolinvoker for invocation).
type InvokerToolRegistry struct {
	registry *toolinvoker.Registry
}

// NewInvokerToolRegistry wraps registry.
func NewInvokerToolRegistry(registry *toolinvoker.Registry) InvokerToolRegistry {
	return InvokerToolRegistry{registry: registry}
}

func (r InvokerToolRegistry) Descriptor(name string) (ToolDescriptor, bool) {
	td, ok := r.registry.Descriptor(name)
	if !ok {
		return ToolDescriptor{}, false
	}
	return ToolDescriptor{Name: td.Name, Description: td.Description, InputSchema: td.Schema}, true
}

func (r InvokerToolRegistry) Names() []string {
	return r.registry.Names()
}
