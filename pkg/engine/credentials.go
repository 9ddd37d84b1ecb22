package engine

import (
	"fmt"
	"strings"
)

// ParseLoginType maps a login type name, including the aliases accepted by the
// intake template, to a LoginType.
func ParseLoginType(s string) (LoginType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "directory", "ad", "activedirectory":
		return LoginDirectory, nil
	case "existing_local", "localexisting", "既存ローカル":
		return LoginExistingLocal, nil
	case "new_local", "localnew", "新規ローカル":
		return LoginNewLocal, nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown login type %q", s), nil)
	}
}

// ResolveCredentials returns the single credential pair selected by the
// machine's login type, or a validation error when the pair is incomplete.
func ResolveCredentials(m MachineTarget) (Credentials, error) {
	var creds Credentials
	switch m.Login.Kind {
	case LoginDirectory:
		creds = m.Login.Directory
	case LoginExistingLocal:
		creds = m.Login.ExistingLocal
	case LoginNewLocal:
		creds = m.Login.NewLocal
	default:
		return Credentials{}, NewValidationError(
			fmt.Sprintf("unknown login type %q", m.Login.Kind), nil).WithMachine(m.Name)
	}

	if strings.TrimSpace(creds.Username) == "" {
		return Credentials{}, NewValidationError(
			fmt.Sprintf("no username for %s login", m.Login.Kind), nil).WithMachine(m.Name)
	}
	if creds.Password == "" {
		return Credentials{}, NewValidationError(
			fmt.Sprintf("no password for %s login", m.Login.Kind), nil).WithMachine(m.Name)
	}
	return creds, nil
}
