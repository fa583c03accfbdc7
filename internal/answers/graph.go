// Package answers holds the answer map of a wizard instance and enforces the
// dependency rule: changing or removing a parent answer removes every answer
// whose depends_on chain includes that parent.
package answers

import (
	"strings"

	"github.com/pitabwire/stepwise/model"
)

// Graph is the depends_on forest of a wizard definition.
type Graph struct {
	parent   map[string]string
	children map[string][]string
	order    []string
}

// NewGraph builds the dependency graph of def. Children keep declaration
// order so traversals are deterministic.
func NewGraph(def model.WizardDefinition) *Graph {
	g := &Graph{
		parent:   make(map[string]string),
		children: make(map[string][]string),
	}
	for _, f := range def.Fields() {
		g.order = append(g.order, f.ID)
		if f.DependsOn != "" {
			g.parent[f.ID] = f.DependsOn
			g.children[f.DependsOn] = append(g.children[f.DependsOn], f.ID)
		}
	}
	return g
}

// Parent returns the field a field depends on.
func (g *Graph) Parent(field string) (string, bool) {
	p, ok := g.parent[field]
	return p, ok
}

// Children returns the fields that depend directly on field.
func (g *Graph) Children(field string) []string {
	return g.children[field]
}

// Descendants returns every field whose depends_on chain includes field,
// parents before their children. The field itself is not included.
func (g *Graph) Descendants(field string) []string {
	var out []string
	seen := map[string]bool{field: true}
	queue := append([]string(nil), g.children[field]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		queue = append(queue, g.children[id]...)
	}
	return out
}

// Roots returns fields without a parent, in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.order {
		if _, ok := g.parent[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// TopoOrder returns all fields with every parent before its children.
func (g *Graph) TopoOrder() []string {
	var out []string
	for _, root := range g.Roots() {
		out = append(out, root)
		out = append(out, g.Descendants(root)...)
	}
	return out
}

// SplitPath splits a field path into the field id and an optional sub key.
// "questions.q1" addresses question q1 inside the questions field.
func SplitPath(path string) (field, sub string) {
	field, sub, _ = strings.Cut(path, ".")
	return field, sub
}
