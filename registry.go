package dealhunter

import (
	"fmt"
	"sort"
)

// Registry is a catalog of named analysis steps. Registration-time errors
// (duplicates, unknown dependencies, phase-order violations) are fatal to
// startup and must never be ignored.
type Registry struct {
	steps map[string]Step
	order []string // registration order, used for failure tie-breaks
}

// NewRegistry returns an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: map[string]Step{}}
}

// Register adds a step to the registry. It fails with *DuplicateStepError if
// the name is taken, and validates the definition's phase. Dependency phase
// ordering is checked eagerly when the dependency is already registered and
// again during ResolveOrder.
func (r *Registry) Register(step Step) error {
	def := step.Definition()
	if def.Name == "" {
		return fmt.Errorf("step name required")
	}
	if !def.Phase.Valid() {
		return fmt.Errorf("step %q has unknown phase %q", def.Name, def.Phase)
	}
	if _, exists := r.steps[def.Name]; exists {
		return &DuplicateStepError{Name: def.Name}
	}
	for _, dep := range def.DependsOn {
		if dep == def.Name {
			return &CyclicDependencyError{Steps: []string{def.Name}}
		}
		existing, ok := r.steps[dep]
		if !ok {
			continue // validated at resolve time
		}
		if existing.Definition().Phase.Order() >= def.Phase.Order() {
			return &CyclicDependencyError{Steps: []string{def.Name, dep}}
		}
	}
	r.steps[def.Name] = step
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister registers steps and panics on error. Intended for static
// pipeline construction at process startup, where registration errors abort.
func (r *Registry) MustRegister(steps ...Step) *Registry {
	for _, step := range steps {
		if err := r.Register(step); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns a registered step by name.
func (r *Registry) Get(name string) (Step, bool) {
	step, ok := r.steps[name]
	return step, ok
}

// StepNames returns all registered step names in registration order.
func (r *Registry) StepNames() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// RegistrationIndex returns the position at which the step was registered.
// Used to break ties when multiple required steps fail in one phase.
func (r *Registry) RegistrationIndex(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}

// PhaseGroup is one slot of a resolved execution order: a phase and the
// steps of that phase that must execute. Steps within a group are
// independent of each other by construction.
type PhaseGroup struct {
	Phase Phase
	Steps []Step
}

// ResolveOrder computes the phase-grouped execution order for the requested
// steps. The set is evaluated lazily: only requested steps and their
// transitive dependencies appear. Dependencies already present in cached are
// treated as satisfied and not scheduled. An empty request means every
// registered step.
//
// Fails with *UnknownDependencyError if a declared dependency is not
// registered, and with *CyclicDependencyError if no valid order exists.
func (r *Registry) ResolveOrder(requested []string, cached map[string]bool) ([]PhaseGroup, error) {
	if len(requested) == 0 {
		requested = r.order
	}

	// Expand the requested set to its transitive dependency closure,
	// stopping at cache-satisfied dependencies.
	needed := map[string]bool{}
	queue := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := r.steps[name]; !ok {
			return nil, &UnknownDependencyError{Step: name, Dependency: name}
		}
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if needed[name] {
			continue
		}
		needed[name] = true
		for _, dep := range r.steps[name].Definition().DependsOn {
			if cached[dep] {
				continue
			}
			if _, ok := r.steps[dep]; !ok {
				return nil, &UnknownDependencyError{Step: name, Dependency: dep}
			}
			queue = append(queue, dep)
		}
	}

	// Kahn's algorithm over the needed set, grouping by phase. Any step
	// left unplaced has an unsatisfiable edge (a true cycle, or a
	// dependency on the same or a later phase).
	placed := map[string]bool{}
	for name := range cached {
		placed[name] = true
	}
	groups := make([]PhaseGroup, 0, len(Phases))
	for _, phase := range Phases {
		group := PhaseGroup{Phase: phase}
		for _, name := range r.order {
			if !needed[name] {
				continue
			}
			def := r.steps[name].Definition()
			if def.Phase != phase {
				continue
			}
			ok := true
			for _, dep := range def.DependsOn {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				group.Steps = append(group.Steps, r.steps[name])
			}
		}
		for _, step := range group.Steps {
			placed[step.Definition().Name] = true
		}
		if len(group.Steps) > 0 {
			groups = append(groups, group)
		}
	}

	var unplaced []string
	for name := range needed {
		if !placed[name] {
			unplaced = append(unplaced, name)
		}
	}
	if len(unplaced) > 0 {
		sort.Strings(unplaced)
		return nil, &CyclicDependencyError{Steps: unplaced}
	}
	return groups, nil
}
