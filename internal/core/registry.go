package core

import (
	"fmt"
	"sort"
	"sync"
)

// Dependency is a foreign key an entity must resolve before it can be created.
// RefField names the payload field holding the referenced natural key;
// TargetField names the remote field that receives the resolved remote id.
type Dependency struct {
	RefField    string
	Kind        Kind
	TargetField string
}

// EntityDefinition describes how one kind maps onto the remote system.
type EntityDefinition struct {
	Kind         Kind
	Model        string // Remote model: "res.partner"
	KeyField     string // Remote field searched by natural key: "ref"
	Phase        int    // Lower phases run first
	Dependencies []Dependency
}

// Registry holds entity definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[Kind]EntityDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Kind]EntityDefinition)}
}

// DefaultRegistry returns a registry with the customer, order and order line
// entities of a typical ERP sales module.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(EntityDefinition{
		Kind:     KindCustomer,
		Model:    "res.partner",
		KeyField: "ref",
		Phase:    1,
	})
	r.MustRegister(EntityDefinition{
		Kind:     KindOrder,
		Model:    "sale.order",
		KeyField: "client_order_ref",
		Phase:    2,
		Dependencies: []Dependency{
			{RefField: "customer_ref", Kind: KindCustomer, TargetField: "partner_id"},
		},
	})
	r.MustRegister(EntityDefinition{
		Kind:     KindOrderLine,
		Model:    "sale.order.line",
		KeyField: "x_natural_key",
		Phase:    3,
		Dependencies: []Dependency{
			{RefField: "order_ref", Kind: KindOrder, TargetField: "order_id"},
		},
	})
	return r
}

// Register adds an entity definition.
// It fails if the kind is already registered or if a dependency points at a
// kind that is unknown or does not run in an earlier phase.
func (r *Registry) Register(def EntityDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Kind == "" {
		return fmt.Errorf("entity kind is required")
	}
	if _, exists := r.defs[def.Kind]; exists {
		return fmt.Errorf("entity already registered: %s", def.Kind)
	}
	if def.Model == "" || def.KeyField == "" {
		return fmt.Errorf("entity %s: model and key field are required", def.Kind)
	}

	for _, dep := range def.Dependencies {
		parent, ok := r.defs[dep.Kind]
		if !ok {
			return fmt.Errorf("entity %s: dependency on unregistered kind %s", def.Kind, dep.Kind)
		}
		if parent.Phase >= def.Phase {
			return fmt.Errorf("entity %s (phase %d) cannot depend on %s (phase %d)",
				def.Kind, def.Phase, dep.Kind, parent.Phase)
		}
		if dep.RefField == "" || dep.TargetField == "" {
			return fmt.Errorf("entity %s: dependency on %s needs ref and target fields", def.Kind, dep.Kind)
		}
	}

	r.defs[def.Kind] = def
	return nil
}

// MustRegister is Register for package-level setup. It panics on error.
func (r *Registry) MustRegister(def EntityDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a kind.
func (r *Registry) Get(kind Kind) (EntityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[kind]
	return def, ok
}

// Phases returns all definitions in execution order (phase, then kind).
func (r *Registry) Phases() []EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]EntityDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Phase != result[j].Phase {
			return result[i].Phase < result[j].Phase
		}
		return result[i].Kind < result[j].Kind
	})

	return result
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
