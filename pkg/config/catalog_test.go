package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultCatalog(t *testing.T) {
	catalog, err := NewCatalogLoader().Default()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}

	tasks := catalog.Tasks()
	if len(tasks) != 22 {
		t.Fatalf("expected 22 tasks, got %d", len(tasks))
	}
	if tasks[0].Name != "setup_desktop_icons" || tasks[len(tasks)-1].Name != "restart_system" {
		t.Errorf("unexpected order: first %s, last %s", tasks[0].Name, tasks[len(tasks)-1].Name)
	}

	for _, task := range tasks {
		if task.ActionID != task.Name+".ps1" {
			t.Errorf("task %s: action = %s", task.Name, task.ActionID)
		}
		if task.Timeout <= 0 || task.Estimate <= 0 || task.Estimate > task.Timeout {
			t.Errorf("task %s: timeout %s, estimate %s", task.Name, task.Timeout, task.Estimate)
		}
	}

	office, ok := catalog.Lookup("install_office")
	if !ok {
		t.Fatal("install_office missing")
	}
	if office.Timeout != time.Hour || office.Options["channel"] != "MonthlyEnterprise" {
		t.Errorf("install_office = %+v", office)
	}

	ordered, err := catalog.Order([]string{"restart_system", "install_office", "disable_ipv6"})
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	want := []string{"disable_ipv6", "install_office", "restart_system"}
	for i := range want {
		if ordered[i] != want[i] {
			t.Errorf("order = %v, want %v", ordered, want)
			break
		}
	}
}

func TestDefaultCatalogSourceIsACopy(t *testing.T) {
	src := DefaultCatalogSource()
	src[0] = 'X'
	if _, err := NewCatalogLoader().Default(); err != nil {
		t.Errorf("default catalog changed through its source: %v", err)
	}
}

func TestCatalogLoaderParse(t *testing.T) {
	loader := NewCatalogLoader()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantTasks int
	}{
		{
			name: "valid",
			content: `
tasks: [
	{name: "join_domain", action: "join_domain.ps1", timeout: "10m", estimate: "2m", options: {ou: "OU=Clients"}},
	{name: "restart_system", action: "restart_system.ps1"},
]
`,
			wantTasks: 2,
		},
		{
			name:    "syntax error",
			content: "tasks: [ {name: \"a\" action",
			wantErr: true,
		},
		{
			name:    "missing tasks",
			content: `version: "1"`,
			wantErr: true,
		},
		{
			name:    "missing action",
			content: `tasks: [{name: "join_domain"}]`,
			wantErr: true,
		},
		{
			name:    "invalid name",
			content: `tasks: [{name: "Join Domain", action: "join.ps1"}]`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `tasks: [{name: "join_domain", action: "join.ps1", retries: 5}]`,
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			content: `tasks: [{name: "join_domain", action: "join.ps1", timeout: "ten minutes"}]`,
			wantErr: true,
		},
		{
			name:    "negative estimate",
			content: `tasks: [{name: "join_domain", action: "join.ps1", estimate: "-1m"}]`,
			wantErr: true,
		},
		{
			name: "duplicate task",
			content: `tasks: [
	{name: "join_domain", action: "join.ps1"},
	{name: "join_domain", action: "join2.ps1"},
]`,
			wantErr: true,
		},
		{
			name:    "reserved name",
			content: `tasks: [{name: "setup_completion", action: "done.ps1"}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, err := loader.Parse([]byte(tt.content), "test.cue")
			if tt.wantErr {
				var catErr *CatalogError
				if !errors.As(err, &catErr) {
					t.Fatalf("expected CatalogError, got %v", err)
				}
				if len(catErr.Errors) == 0 {
					t.Error("expected at least one validation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(catalog.Tasks()); got != tt.wantTasks {
				t.Errorf("expected %d tasks, got %d", tt.wantTasks, got)
			}
		})
	}
}

func TestCatalogErrorCarriesPosition(t *testing.T) {
	_, err := NewCatalogLoader().Parse([]byte("tasks: [\n\t{name: \"a\", action: 42},\n]\n"), "site.cue")

	var catErr *CatalogError
	if !errors.As(err, &catErr) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	found := false
	for _, ve := range catErr.Errors {
		if ve.File == "site.cue" && ve.Line == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("no error located at site.cue:2: %+v", catErr.Errors)
	}
}

func TestCatalogLoaderLoad(t *testing.T) {
	loader := NewCatalogLoader()

	t.Run("empty path uses default", func(t *testing.T) {
		catalog, err := loader.Load("")
		if err != nil {
			t.Fatal(err)
		}
		if len(catalog.Tasks()) != 22 {
			t.Errorf("expected default catalog, got %d tasks", len(catalog.Tasks()))
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.cue")
		writeFile(t, path, `tasks: [{name: "disable_ipv6", action: "disable_ipv6.ps1"}]`)

		catalog, err := loader.Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := catalog.Lookup("disable_ipv6"); !ok {
			t.Error("disable_ipv6 missing")
		}
	})

	t.Run("directory files are unified", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "tasks.cue"), `
tasks: [
	{name: "update_windows", action: "update_windows.ps1", timeout: "3h"},
	{name: "cleanup_system", action: "cleanup_system.ps1"},
]
`)
		writeFile(t, filepath.Join(dir, "site.cue"), `tasks: [...{timeout: *"45m" | string}]`)
		writeFile(t, filepath.Join(dir, "README.md"), "not cue")

		catalog, err := loader.Load(dir)
		if err != nil {
			t.Fatal(err)
		}
		if task, _ := catalog.Lookup("update_windows"); task.Timeout != 3*time.Hour {
			t.Errorf("update_windows timeout = %s", task.Timeout)
		}
		if task, _ := catalog.Lookup("cleanup_system"); task.Timeout != 45*time.Minute {
			t.Errorf("cleanup_system timeout = %s", task.Timeout)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		var catErr *CatalogError
		if _, err := loader.Load(t.TempDir()); !errors.As(err, &catErr) {
			t.Errorf("expected CatalogError, got %v", err)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := loader.Load(filepath.Join(t.TempDir(), "nope.cue")); err == nil {
			t.Error("expected error")
		}
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
