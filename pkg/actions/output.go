package actions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

// Exit codes with a fixed meaning.
const (
	ExitOK          = 0
	ExitValidation  = 2
	ExitUnreachable = 3
)

// parseOutput extracts the JSON payload and the message from action stdout.
// The payload is the whole output if it is a JSON object, else the last
// non-empty line if that line is one.
func parseOutput(stdout string) (map[string]interface{}, string) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		msg, _ := payload["message"].(string)
		return payload, msg
	}

	lines := nonEmptyLines(trimmed)
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "{") || json.Unmarshal([]byte(last), &payload) != nil {
		return nil, last
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return payload, msg
	}
	if len(lines) > 1 {
		return payload, lines[len(lines)-2]
	}
	return payload, ""
}

// resultFor classifies a finished action by its exit code and output.
func resultFor(exitCode int, stdout, stderr string) engine.ActionResult {
	payload, msg := parseOutput(stdout)
	res := engine.ActionResult{
		Payload: payload,
		Message: msg,
	}

	switch exitCode {
	case ExitOK:
		res.OK = true
		res.Warning = isWarning(payload)
		res.AlreadyApplied = payload["already_applied"] == true
		return res
	case ExitValidation:
		res.Class = engine.ErrorClassValidation
		res.Code = engine.ErrCodeValidation
	case ExitUnreachable:
		res.Class = engine.ErrorClassTransport
		res.Code = engine.ErrCodeNetwork
	default:
		res.Class = engine.ErrorClassActionFailure
		res.Code = engine.ActionExitCode(exitCode)
	}

	res.Stderr = stderr
	if res.Message == "" {
		if line := lastLine(stderr); line != "" {
			res.Message = line
		} else {
			res.Message = fmt.Sprintf("action exited with code %d", exitCode)
		}
	}
	return res
}

func isWarning(payload map[string]interface{}) bool {
	if payload == nil {
		return false
	}
	if status, ok := payload["status"].(string); ok && strings.EqualFold(status, "warning") {
		return true
	}
	switch w := payload["warning"].(type) {
	case string:
		return w != ""
	case bool:
		return w
	}
	return false
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func lastLine(s string) string {
	lines := nonEmptyLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
