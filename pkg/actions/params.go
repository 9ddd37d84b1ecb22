package actions

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// EnvPrefix prefixes every environment variable passed to a local action.
const EnvPrefix = "FLEETSETUP_"

// Params is the input handed to an action script.
type Params struct {
	RequestID string            `json:"request_id"`
	Task      string            `json:"task"`
	Action    string            `json:"action"`
	Machine   string            `json:"machine"`
	Address   string            `json:"address"`
	LoginType string            `json:"login_type"`
	Username  string            `json:"username"`
	Password  string            `json:"password"`
	FullName  string            `json:"full_name,omitempty"`
	Elevated  bool              `json:"elevated"`
	Attempt   int               `json:"attempt"`
	Resumed   bool              `json:"resumed"`
	Options   map[string]string `json:"options,omitempty"`
}

// NewParams builds the script input for req.
func NewParams(req engine.ActionRequest) Params {
	return Params{
		RequestID: req.RequestID,
		Task:      req.Task,
		Action:    req.ActionID,
		Machine:   req.Machine.Name,
		Address:   req.Machine.Address,
		LoginType: string(req.Machine.Login.Kind),
		Username:  req.Credentials.Username,
		Password:  req.Credentials.Password,
		FullName:  req.Machine.FullName,
		Elevated:  req.Machine.Elevated,
		Attempt:   req.Attempt,
		Resumed:   req.Resumed,
		Options:   req.Options,
	}
}

// Env renders the params as FLEETSETUP_* variables. Options become
// FLEETSETUP_OPT_<KEY> with the key upper-cased.
func (p Params) Env() []string {
	env := []string{
		EnvPrefix + "REQUEST_ID=" + p.RequestID,
		EnvPrefix + "TASK=" + p.Task,
		EnvPrefix + "ACTION=" + p.Action,
		EnvPrefix + "MACHINE=" + p.Machine,
		EnvPrefix + "ADDRESS=" + p.Address,
		EnvPrefix + "LOGIN_TYPE=" + p.LoginType,
		EnvPrefix + "USERNAME=" + p.Username,
		EnvPrefix + "PASSWORD=" + p.Password,
		EnvPrefix + "FULL_NAME=" + p.FullName,
		EnvPrefix + "ELEVATED=" + strconv.FormatBool(p.Elevated),
		EnvPrefix + "ATTEMPT=" + strconv.Itoa(p.Attempt),
		EnvPrefix + "RESUMED=" + strconv.FormatBool(p.Resumed),
	}

	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%sOPT_%s=%s", EnvPrefix, envKey(k), p.Options[k]))
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}
