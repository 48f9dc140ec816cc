// Package planfile parses YAML plan files into a task graph and phase plan.
// A plan file is the structural input of a run: items with dependencies,
// and ordered phases with entry and exit gates.
package planfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rowanfell/stagehand/internal/gate"
	"github.com/rowanfell/stagehand/internal/graph"
	"github.com/rowanfell/stagehand/internal/scheduler"
)

// Plan is the raw shape of a plan file.
type Plan struct {
	Items  []Item  `yaml:"items"`
	Phases []Phase `yaml:"phases"`
}

// Item describes one work item.
type Item struct {
	ID         string   `yaml:"id"`
	Title      string   `yaml:"title,omitempty"`
	Effort     int      `yaml:"effort,omitempty"`
	Priority   int      `yaml:"priority,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	Acceptance string   `yaml:"acceptance,omitempty"`
}

// Phase describes one ordered stage and its gates.
type Phase struct {
	Name      string      `yaml:"name"`
	Items     []string    `yaml:"items"`
	EntryGate []Condition `yaml:"entry_gate,omitempty"`
	ExitGate  []Condition `yaml:"exit_gate,omitempty"`
}

// Condition describes one gate condition.
type Condition struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Item  string `yaml:"item,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Parse decodes a plan file and converts it into run input. Structural
// validation (cycles, dangling deps, phase partition) happens later, when
// the run is created.
func Parse(data []byte) ([]*graph.WorkItem, []scheduler.Phase, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, nil, fmt.Errorf("parsing plan: %w", err)
	}
	if len(plan.Items) == 0 {
		return nil, nil, fmt.Errorf("plan has no items")
	}

	items := make([]*graph.WorkItem, 0, len(plan.Items))
	for i, it := range plan.Items {
		if it.ID == "" {
			return nil, nil, fmt.Errorf("item %d has no id", i)
		}
		items = append(items, &graph.WorkItem{
			ID:         it.ID,
			Title:      it.Title,
			Effort:     it.Effort,
			Priority:   it.Priority,
			DependsOn:  it.DependsOn,
			Acceptance: it.Acceptance,
		})
	}

	phases := make([]scheduler.Phase, 0, len(plan.Phases))
	for _, p := range plan.Phases {
		entry, err := conditions(p.EntryGate)
		if err != nil {
			return nil, nil, fmt.Errorf("phase %q entry gate: %w", p.Name, err)
		}
		exit, err := conditions(p.ExitGate)
		if err != nil {
			return nil, nil, fmt.Errorf("phase %q exit gate: %w", p.Name, err)
		}
		phases = append(phases, scheduler.Phase{
			Name:      p.Name,
			ItemIDs:   p.Items,
			EntryGate: entry,
			ExitGate:  exit,
		})
	}

	return items, phases, nil
}

// Load reads and parses a plan file from disk.
func Load(path string) ([]*graph.WorkItem, []scheduler.Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Parse(data)
}

func conditions(raw []Condition) ([]gate.Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]gate.Condition, 0, len(raw))
	for _, c := range raw {
		cond := gate.Condition{
			Name:   c.Name,
			Kind:   gate.Kind(c.Kind),
			ItemID: c.Item,
			Count:  c.Count,
		}
		if err := cond.Validate(); err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}
