// Package registry keeps the projects and event definitions the engine works on.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/devblac/event-relay/internal/model"
)

var (
	// ErrDuplicate is returned when an id or a (project, name) pair is already registered.
	ErrDuplicate = errors.New("already registered")
	// ErrUnknown is returned when updating a definition that is not registered.
	ErrUnknown = errors.New("not registered")
)

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]model.Project
	events   map[string]model.EventDefinition
}

// New builds a registry from loaded configuration.
func New(projects []model.Project, events []model.EventDefinition) (*Registry, error) {
	r := &Registry{
		projects: make(map[string]model.Project, len(projects)),
		events:   make(map[string]model.EventDefinition, len(events)),
	}
	for _, p := range projects {
		r.PutProject(p)
	}
	for _, ev := range events {
		if err := r.AddEvent(ev); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// PutProject inserts or replaces a project.
func (r *Registry) PutProject(p model.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[p.ID] = p
}

func (r *Registry) Project(id string) (model.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	return p, ok
}

// Projects returns all projects ordered by id.
func (r *Registry) Projects() []model.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddEvent registers def. IDs and (project, name) pairs are unique.
func (r *Registry) AddEvent(def model.EventDefinition) error {
	if def.ID == "" {
		return errors.New("event id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[def.ID]; ok {
		return fmt.Errorf("event %s: %w", def.ID, ErrDuplicate)
	}
	if other, ok := r.byName(def.Project, def.Name); ok {
		return fmt.Errorf("event %s: name %s in project %s used by %s: %w", def.ID, def.Name, def.Project, other.ID, ErrDuplicate)
	}
	r.events[def.ID] = def
	return nil
}

// UpdateEvent replaces a registered definition and returns the previous one.
func (r *Registry) UpdateEvent(def model.EventDefinition) (model.EventDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.events[def.ID]
	if !ok {
		return model.EventDefinition{}, fmt.Errorf("event %s: %w", def.ID, ErrUnknown)
	}
	if other, ok := r.byName(def.Project, def.Name); ok && other.ID != def.ID {
		return model.EventDefinition{}, fmt.Errorf("event %s: name %s in project %s used by %s: %w", def.ID, def.Name, def.Project, other.ID, ErrDuplicate)
	}
	r.events[def.ID] = def
	return prev, nil
}

// RemoveEvent unregisters id and returns the removed definition.
func (r *Registry) RemoveEvent(id string) (model.EventDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.events[id]
	if ok {
		delete(r.events, id)
	}
	return def, ok
}

func (r *Registry) Event(id string) (model.EventDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.events[id]
	return def, ok
}

// Events returns all definitions ordered by id.
func (r *Registry) Events() []model.EventDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EventDefinition, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	sortEvents(out)
	return out
}

// EventsInNamespace returns the definitions writing into ns.
func (r *Registry) EventsInNamespace(ns model.Namespace) []model.EventDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.EventDefinition
	for _, ev := range r.events {
		if ev.Namespace() == ns {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out
}

func (r *Registry) byName(project, name string) (model.EventDefinition, bool) {
	for _, ev := range r.events {
		if ev.Project == project && ev.Name == name {
			return ev, true
		}
	}
	return model.EventDefinition{}, false
}

func sortEvents(evs []model.EventDefinition) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].ID < evs[j].ID })
}
