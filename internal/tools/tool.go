// Package tools holds the actions an agent can take between thoughts.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Tool is one named action. Input is the raw argument chosen by the planner.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input string) (string, error)
}

// Finisher is implemented by tools that end the agent's run once executed.
type Finisher interface {
	Finishes() bool
}

// Spec describes a tool to the planner.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Collection is an ordered set of tools addressed by name.
type Collection struct {
	order  []Tool
	byName map[string]Tool
}

// NewCollection builds a collection; later tools replace earlier ones with the same name.
func NewCollection(ts ...Tool) *Collection {
	c := &Collection{byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		c.Add(t)
	}
	return c
}

// Add registers t.
func (c *Collection) Add(t Tool) {
	if _, exists := c.byName[t.Name()]; !exists {
		c.order = append(c.order, t)
	} else {
		for i, old := range c.order {
			if old.Name() == t.Name() {
				c.order[i] = t
			}
		}
	}
	c.byName[t.Name()] = t
}

// Get returns the tool called name.
func (c *Collection) Get(name string) (Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns tool names sorted alphabetically.
func (c *Collection) Names() []string {
	out := make([]string, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs describes every tool in registration order.
func (c *Collection) Specs() []Spec {
	out := make([]Spec, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, Spec{Name: t.Name(), Description: t.Description()})
	}
	return out
}

// Execute runs the named tool.
func (c *Collection) Execute(ctx context.Context, name, input string) (string, error) {
	t, ok := c.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return t.Execute(ctx, input)
}

// IsFinisher reports whether t ends the run.
func IsFinisher(t Tool) bool {
	f, ok := t.(Finisher)
	return ok && f.Finishes()
}
