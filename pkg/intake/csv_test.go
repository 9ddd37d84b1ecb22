package intake

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

const preamble = "title\n\n\n\n\n\n\n\ncomputer_name,ip_address,login_type,ad_username,ad_password,local_existing_username,local_existing_password,full_name,local_new_username,local_new_password,admin_privilege\n"

func csvWith(rows ...string) string {
	return preamble + strings.Join(rows, "\n") + "\n"
}

func TestParse(t *testing.T) {
	input := csvWith(
		`PC-001,10.0.0.1,AD,CORP\bob,pw1,,,Bob Smith,,,no`,
		`PC-002 , 10.0.0.2 ,既存ローカル,,,admin,pw2,,,,YES`,
		`,,,,,,,,,,`,
		`PC-003,10.0.0.3,新規ローカル,,,,,"Suzuki, Hanako",setup,pw3,`,
		`PC-004,10.0.0.4,LocalExisting,,,user,pw4,,,,no`,
	)

	machines, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(machines) != 4 {
		t.Fatalf("expected 4 machines, got %d", len(machines))
	}

	m := machines[0]
	if m.Name != "PC-001" || m.Address != "10.0.0.1" || m.Login.Kind != engine.LoginDirectory {
		t.Errorf("machine 0 = %+v", m)
	}
	if m.Login.Directory.Username != `CORP\bob` || m.Login.Directory.Password != "pw1" || m.Elevated {
		t.Errorf("machine 0 login = %+v", m.Login)
	}

	m = machines[1]
	if m.Name != "PC-002" || m.Address != "10.0.0.2" || m.Login.Kind != engine.LoginExistingLocal || !m.Elevated {
		t.Errorf("machine 1 = %+v", m)
	}

	m = machines[2]
	if m.Login.Kind != engine.LoginNewLocal || m.FullName != "Suzuki, Hanako" || m.Elevated {
		t.Errorf("machine 2 = %+v", m)
	}
	creds, err := engine.ResolveCredentials(m)
	if err != nil || creds.Username != "setup" || creds.Password != "pw3" {
		t.Errorf("machine 2 credentials = %+v, %v", creds, err)
	}

	if machines[3].Login.Kind != engine.LoginExistingLocal {
		t.Errorf("machine 3 kind = %s", machines[3].Login.Kind)
	}
}

func TestParseKeepsPasswordWhitespace(t *testing.T) {
	machines, err := Parse(strings.NewReader(csvWith(`PC-001,10.0.0.1,AD,bob, pw ,,,,,,no`)))
	if err != nil {
		t.Fatal(err)
	}
	if machines[0].Login.Directory.Password != " pw " {
		t.Errorf("password = %q", machines[0].Login.Directory.Password)
	}
}

func TestParseRowErrors(t *testing.T) {
	tests := []struct {
		name    string
		row     string
		wantMsg string
	}{
		{name: "missing name", row: `,10.0.0.1,AD,bob,pw,,,,,,no`, wantMsg: "computer_name is required"},
		{name: "missing address", row: `PC-001,,AD,bob,pw,,,,,,no`, wantMsg: "ip_address is required"},
		{name: "unknown login type", row: `PC-001,10.0.0.1,Kerberos,bob,pw,,,,,,no`, wantMsg: "login_type"},
		{name: "missing directory password", row: `PC-001,10.0.0.1,AD,bob,,,,,,,no`, wantMsg: "no password"},
		{name: "credentials of another type", row: `PC-001,10.0.0.1,新規ローカル,bob,pw,,,,,,no`, wantMsg: "no username"},
		{name: "bad admin flag", row: `PC-001,10.0.0.1,AD,bob,pw,,,,,,maybe`, wantMsg: "admin_privilege"},
		{name: "short row", row: `PC-001,10.0.0.1,AD`, wantMsg: "expected 11 columns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(csvWith(tt.row)))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if len(perr.Rows) != 1 {
				t.Fatalf("rows = %+v", perr.Rows)
			}
			if perr.Rows[0].Line != 10 {
				t.Errorf("line = %d, want 10", perr.Rows[0].Line)
			}
			if !strings.Contains(perr.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", perr.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseReportsEveryRow(t *testing.T) {
	input := csvWith(
		`PC-001,10.0.0.1,AD,bob,pw,,,,,,no`,
		`PC-002,,AD,bob,pw,,,,,,no`,
		`pc-001,10.0.0.3,AD,bob,pw,,,,,,no`,
	)

	_, err := Parse(strings.NewReader(input))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if len(perr.Rows) != 2 {
		t.Fatalf("rows = %+v", perr.Rows)
	}
	if perr.Rows[0].Line != 11 || perr.Rows[0].Machine != "PC-002" {
		t.Errorf("first problem = %+v", perr.Rows[0])
	}
	if perr.Rows[1].Line != 12 || !strings.Contains(perr.Rows[1].Error(), "first used on line 10") {
		t.Errorf("second problem = %v", perr.Rows[1])
	}
}

func TestParseNoRows(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "header only", input: preamble},
		{name: "blank rows", input: csvWith(",,,,,,,,,,", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			if !engine.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseHandlesEncodings(t *testing.T) {
	row := `PC-001,10.0.0.1,既存ローカル,,,admin,pw,山田 太郎,,,no`

	t.Run("utf-8 bom", func(t *testing.T) {
		data := append([]byte{0xEF, 0xBB, 0xBF}, csvWith(row)...)
		machines, err := Parse(bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if machines[0].FullName != "山田 太郎" {
			t.Errorf("full name = %q", machines[0].FullName)
		}
	})

	t.Run("shift_jis", func(t *testing.T) {
		data, _, err := transform.Bytes(japanese.ShiftJIS.NewEncoder(), []byte(csvWith(row)))
		if err != nil {
			t.Fatal(err)
		}
		machines, err := Parse(bytes.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if machines[0].Login.Kind != engine.LoginExistingLocal || machines[0].FullName != "山田 太郎" {
			t.Errorf("machine = %+v", machines[0])
		}
	})
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines.csv")
	if err := os.WriteFile(path, []byte(csvWith(`PC-001,10.0.0.1,AD,bob,pw,,,,,,no`)), 0o600); err != nil {
		t.Fatal(err)
	}
	machines, err := ParseFile(path)
	if err != nil || len(machines) != 1 {
		t.Fatalf("ParseFile = %v, %v", machines, err)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTemplateParses(t *testing.T) {
	machines, err := Parse(bytes.NewReader(Template()))
	if err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	if len(machines) != len(templateRows) {
		t.Fatalf("expected %d machines, got %d", len(templateRows), len(machines))
	}
	if !machines[1].Elevated || machines[1].Login.Kind != engine.LoginNewLocal {
		t.Errorf("machine 1 = %+v", machines[1])
	}
}
