package engine

import (
	"fmt"
	"time"
)

// Catalog is the ordered set of known tasks. Declaration order is the
// execution order on every machine.
type Catalog struct {
	tasks []TaskSpec
	index map[string]int
}

// NewCatalog creates a catalog from task specs in declaration order.
func NewCatalog(tasks []TaskSpec) (*Catalog, error) {
	c := &Catalog{
		tasks: make([]TaskSpec, 0, len(tasks)),
		index: make(map[string]int, len(tasks)),
	}
	for _, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task name is required")
		}
		if t.ActionID == "" {
			return nil, fmt.Errorf("task %s has no action", t.Name)
		}
		if t.Name == EventTaskInitialization || t.Name == EventTaskCompletion {
			return nil, fmt.Errorf("task name %s is reserved", t.Name)
		}
		if _, dup := c.index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task %s", t.Name)
		}
		c.index[t.Name] = len(c.tasks)
		c.tasks = append(c.tasks, t)
	}
	return c, nil
}

// Catalog returns c, so a fixed catalog can serve as a CatalogSource.
func (c *Catalog) Catalog() *Catalog {
	return c
}

// Tasks returns the task specs in declaration order.
func (c *Catalog) Tasks() []TaskSpec {
	out := make([]TaskSpec, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Lookup returns the spec of the named task.
func (c *Catalog) Lookup(name string) (TaskSpec, bool) {
	i, ok := c.index[name]
	if !ok {
		return TaskSpec{}, false
	}
	return c.tasks[i], true
}

// Order validates names against the catalog and returns them in declaration
// order without duplicates.
func (c *Catalog) Order(names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := c.index[n]; !ok {
			return nil, NewValidationError(fmt.Sprintf("unknown task %q", n), nil).WithTask(n)
		}
		seen[n] = true
	}
	ordered := make([]string, 0, len(seen))
	for _, t := range c.tasks {
		if seen[t.Name] {
			ordered = append(ordered, t.Name)
		}
	}
	return ordered, nil
}

// Estimate returns the estimated duration of running the named tasks on the
// given number of machines with the given parallelism.
func (c *Catalog) Estimate(names []string, machines, parallelism int) time.Duration {
	if machines == 0 {
		return 0
	}
	if parallelism <= 0 || parallelism > machines {
		parallelism = machines
	}
	var perMachine time.Duration
	for _, n := range names {
		if t, ok := c.Lookup(n); ok {
			perMachine += t.Estimate
		}
	}
	waves := (machines + parallelism - 1) / parallelism
	return perMachine * time.Duration(waves)
}
