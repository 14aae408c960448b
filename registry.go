package saga

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// DefinitionRegistry holds the named step graphs the engine can instantiate.
//
// Definitions are registered once at startup and never mutated; a running
// instance resolves its definition by name+version on every transition, so
// redefining a version in place would corrupt in-flight sagas. Registration
// of an already-present reference is therefore rejected.
type DefinitionRegistry struct {
	defs *xsync.MapOf[DefinitionRef, *SagaDefinition]
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		defs: xsync.NewMapOf[DefinitionRef, *SagaDefinition](),
	}
}

// Register adds a definition to the registry.
func (r *DefinitionRegistry) Register(def *SagaDefinition) error {
	if _, loaded := r.defs.LoadOrStore(def.Ref(), def); loaded {
		return &DuplicateDefinitionError{Ref: def.Ref()}
	}
	return nil
}

// Lookup resolves a definition reference.
func (r *DefinitionRegistry) Lookup(ref DefinitionRef) (*SagaDefinition, error) {
	def, ok := r.defs.Load(ref)
	if !ok {
		return nil, &DefinitionNotFoundError{Ref: ref}
	}
	return def, nil
}
