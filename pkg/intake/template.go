package intake

import (
	"bytes"
	"encoding/csv"
)

// templateHeader fills the first HeaderLines lines of a blank template.
var templateHeader = [HeaderLines][]string{
	{"Fleet setup machine list"},
	{"Fill in one machine per row starting at line 10. Do not remove lines 1-9."},
	{"login_type: AD, 既存ローカル (existing local account) or 新規ローカル (new local account)."},
	{"Only the username/password pair of the chosen login type is used; leave the others empty."},
	{"admin_privilege: yes or no."},
	{"full_name is optional."},
	{"Rows from line 10 on are read; blank rows are ignored.", ""},
	{"", ""},
	Columns,
}

var templateRows = [][]string{
	{"PC-001", "192.168.10.21", "AD", `CORP\setup`, "changeme", "", "", "Taro Yamada", "", "", "no"},
	{"PC-002", "192.168.10.22", "新規ローカル", "", "", "", "", "Hanako Suzuki", "setupadmin", "changeme", "yes"},
}

// Template returns a blank registration template with two example rows.
func Template() []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, rec := range templateHeader {
		_ = w.Write(rec)
	}
	for _, rec := range templateRows {
		_ = w.Write(rec)
	}
	w.Flush()
	return buf.Bytes()
}
