// Package intake reads the machine list of a setup request from the CSV
// registration template.
//
// The template starts with nine lines of instructions and headings; machine
// rows start at line 10 with these columns:
//
//	computer_name, ip_address, login_type,
//	ad_username, ad_password,
//	local_existing_username, local_existing_password,
//	full_name, local_new_username, local_new_password,
//	admin_privilege
//
// Files saved as Shift_JIS by spreadsheet tools are accepted.
package intake

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// HeaderLines is the number of template lines before the first machine row.
const HeaderLines = 9

// Columns are the machine row columns in order.
var Columns = []string{
	"computer_name",
	"ip_address",
	"login_type",
	"ad_username",
	"ad_password",
	"local_existing_username",
	"local_existing_password",
	"full_name",
	"local_new_username",
	"local_new_password",
	"admin_privilege",
}

const (
	colName = iota
	colAddress
	colLoginType
	colADUser
	colADPassword
	colExistingUser
	colExistingPassword
	colFullName
	colNewUser
	colNewPassword
	colAdmin
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// RowError is a problem with one machine row.
type RowError struct {
	Line    int
	Machine string
	Err     error
}

func (e RowError) Error() string {
	if e.Machine != "" {
		return fmt.Sprintf("line %d (%s): %v", e.Line, e.Machine, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// ParseError lists every invalid row of a file.
type ParseError struct {
	Rows []RowError
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Rows))
	for i, r := range e.Rows {
		msgs[i] = r.Error()
	}
	return fmt.Sprintf("%d invalid row(s): %s", len(e.Rows), strings.Join(msgs, "; "))
}

// ParseFile parses the template file at path.
func ParseFile(path string) ([]engine.MachineTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads machine rows from r. Every row is checked; all problems are
// reported together in a *ParseError.
func Parse(r io.Reader) ([]engine.MachineTarget, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	data, err = toUTF8(data)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		machines []engine.MachineTarget
		problems []RowError
		seen     = make(map[string]int)
		sawData  bool
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line, _ := reader.FieldPos(0)
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			if line <= HeaderLines {
				continue
			}
			problems = append(problems, RowError{Line: line, Err: err})
			continue
		}
		if line <= HeaderLines || blank(record) {
			continue
		}
		sawData = true

		m, err := parseRow(record)
		if err != nil {
			problems = append(problems, RowError{Line: line, Machine: strings.TrimSpace(record[colName]), Err: err})
			continue
		}
		key := strings.ToLower(m.Name)
		if first, dup := seen[key]; dup {
			problems = append(problems, RowError{Line: line, Machine: m.Name, Err: fmt.Errorf("duplicate computer name, first used on line %d", first)})
			continue
		}
		seen[key] = line
		machines = append(machines, m)
	}

	if len(problems) > 0 {
		return nil, &ParseError{Rows: problems}
	}
	if !sawData {
		return nil, engine.NewValidationError(fmt.Sprintf("no machine rows found from line %d", HeaderLines+1), nil)
	}
	return machines, nil
}

func parseRow(record []string) (engine.MachineTarget, error) {
	if len(record) < len(Columns) {
		return engine.MachineTarget{}, fmt.Errorf("expected %d columns, got %d", len(Columns), len(record))
	}
	field := func(i int) string { return strings.TrimSpace(record[i]) }

	m := engine.MachineTarget{
		Name:     field(colName),
		Address:  field(colAddress),
		FullName: field(colFullName),
		Login: engine.CredentialSelection{
			Directory:     engine.Credentials{Username: field(colADUser), Password: record[colADPassword]},
			ExistingLocal: engine.Credentials{Username: field(colExistingUser), Password: record[colExistingPassword]},
			NewLocal:      engine.Credentials{Username: field(colNewUser), Password: record[colNewPassword]},
		},
	}
	if m.Name == "" {
		return m, fmt.Errorf("computer_name is required")
	}
	if m.Address == "" {
		return m, fmt.Errorf("ip_address is required")
	}

	kind, err := engine.ParseLoginType(field(colLoginType))
	if err != nil {
		return m, fmt.Errorf("login_type: %w (valid: AD, 既存ローカル, 新規ローカル)", err)
	}
	m.Login.Kind = kind

	switch strings.ToLower(field(colAdmin)) {
	case "yes", "y", "true", "1":
		m.Elevated = true
	case "no", "n", "false", "0", "":
	default:
		return m, fmt.Errorf("admin_privilege must be yes or no, got %q", field(colAdmin))
	}

	if _, err := engine.ResolveCredentials(m); err != nil {
		return m, err
	}
	return m, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// toUTF8 strips a UTF-8 byte order mark, or decodes Shift_JIS input.
func toUTF8(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, utf8BOM) {
		return data[len(utf8BOM):], nil
	}
	if utf8.Valid(data) {
		return data, nil
	}
	out, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("CSV is neither UTF-8 nor Shift_JIS: %w", err)
	}
	return out, nil
}
