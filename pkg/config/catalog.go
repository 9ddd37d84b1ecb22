package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

//go:embed default.cue
var defaultCatalog []byte

const schemaFilename = "schema.cue"

// catalogSchema constrains every catalog source before it is decoded.
const catalogSchema = `
#Task: {
	name:         =~"^[a-z][a-z0-9_]*$"
	action:       string & !=""
	description?: string
	timeout?:     string
	estimate?:    string
	options?: [string]: string
}

tasks: [...#Task]
`

// ValidationError describes a problem in a catalog source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// CatalogError collects every problem found in a catalog source.
type CatalogError struct {
	Errors []ValidationError
}

func (e *CatalogError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid task catalog: %s", strings.Join(msgs, "; "))
}

// taskDefinition is the decoded form of one catalog entry.
type taskDefinition struct {
	Name        string            `json:"name" validate:"required"`
	Action      string            `json:"action" validate:"required"`
	Description string            `json:"description,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Estimate    string            `json:"estimate,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// CatalogLoader parses task catalogs written in CUE. It is safe for
// concurrent use.
//
// A catalog is a list of tasks; the list order is the execution order:
//
//	tasks: [
//		{name: "install_office", action: "install_office.ps1", timeout: "45m", estimate: "20m"},
//		{name: "restart_system", action: "restart_system.ps1"},
//	]
type CatalogLoader struct {
	mu        sync.Mutex
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewCatalogLoader creates a new catalog loader.
func NewCatalogLoader() *CatalogLoader {
	ctx := cuecontext.New()
	return &CatalogLoader{
		ctx:       ctx,
		schema:    ctx.CompileString(catalogSchema, cue.Filename(schemaFilename)),
		validator: validator.New(),
	}
}

// Default returns the built-in catalog.
func (cl *CatalogLoader) Default() (*engine.Catalog, error) {
	return cl.Parse(defaultCatalog, "default.cue")
}

// DefaultCatalogSource returns the CUE source of the built-in catalog.
func DefaultCatalogSource() []byte {
	out := make([]byte, len(defaultCatalog))
	copy(out, defaultCatalog)
	return out
}

// Load reads a catalog from a file, or from every .cue file of a directory
// unified together. An empty path yields the built-in catalog.
func (cl *CatalogLoader) Load(path string) (*engine.Catalog, error) {
	if path == "" {
		return cl.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog path: %w", err)
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.cue"))
		if err != nil {
			return nil, fmt.Errorf("failed to list catalog files: %w", err)
		}
		if len(files) == 0 {
			return nil, &CatalogError{Errors: []ValidationError{{File: path, Message: "no CUE files found"}}}
		}
		sort.Strings(files)
	}

	val := cl.schema
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog file: %w", err)
		}
		fileVal := cl.ctx.CompileBytes(data, cue.Filename(file))
		if err := fileVal.Err(); err != nil {
			return nil, &CatalogError{Errors: convertCUEErrors(err)}
		}
		val = val.Unify(fileVal)
	}

	return cl.build(val)
}

// Parse parses a catalog from CUE source.
func (cl *CatalogLoader) Parse(data []byte, filename string) (*engine.Catalog, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	val := cl.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &CatalogError{Errors: convertCUEErrors(err)}
	}
	return cl.build(cl.schema.Unify(val))
}

func (cl *CatalogLoader) build(val cue.Value) (*engine.Catalog, error) {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &CatalogError{Errors: convertCUEErrors(err)}
	}

	tasksVal := val.LookupPath(cue.ParsePath("tasks"))
	if !tasksVal.Exists() {
		return nil, &CatalogError{Errors: []ValidationError{{Path: "tasks", Message: "field is required"}}}
	}

	var defs []taskDefinition
	if err := tasksVal.Decode(&defs); err != nil {
		return nil, &CatalogError{Errors: []ValidationError{{Path: "tasks", Message: err.Error()}}}
	}

	if len(defs) == 0 {
		return nil, &CatalogError{Errors: []ValidationError{{Path: "tasks", Message: "catalog has no tasks"}}}
	}

	var problems []ValidationError
	specs := make([]engine.TaskSpec, 0, len(defs))
	for i, def := range defs {
		spec, err := cl.toTaskSpec(def)
		if err != nil {
			problems = append(problems, ValidationError{
				Path:    fmt.Sprintf("tasks[%d]", i),
				Message: err.Error(),
			})
			continue
		}
		specs = append(specs, spec)
	}
	if len(problems) > 0 {
		return nil, &CatalogError{Errors: problems}
	}

	catalog, err := engine.NewCatalog(specs)
	if err != nil {
		return nil, &CatalogError{Errors: []ValidationError{{Path: "tasks", Message: err.Error()}}}
	}
	return catalog, nil
}

func (cl *CatalogLoader) toTaskSpec(def taskDefinition) (engine.TaskSpec, error) {
	if err := cl.validator.Struct(def); err != nil {
		return engine.TaskSpec{}, fmt.Errorf("validation failed: %w", err)
	}

	timeout, err := parseDuration(def.Timeout)
	if err != nil {
		return engine.TaskSpec{}, fmt.Errorf("task %s: timeout: %w", def.Name, err)
	}
	estimate, err := parseDuration(def.Estimate)
	if err != nil {
		return engine.TaskSpec{}, fmt.Errorf("task %s: estimate: %w", def.Name, err)
	}

	return engine.TaskSpec{
		Name:        def.Name,
		ActionID:    def.Action,
		Description: def.Description,
		Timeout:     timeout,
		Estimate:    estimate,
		Options:     def.Options,
	}, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			// Prefer the user's file over the schema.
			p := pos[0]
			for _, candidate := range pos {
				if candidate.Filename() != schemaFilename {
					p = candidate
					break
				}
			}
			ve.File = p.Filename()
			ve.Line = p.Line()
			ve.Column = p.Column()
		}
		out = append(out, ve)
	}
	return out
}
