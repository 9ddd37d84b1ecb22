package policy

import (
	"time"
)

// Limits enforced by the built-in policies.
const (
	MaxMachinesPerRequest = 100
	MassRestartThreshold  = 20
)

// GetBuiltinPolicies returns all built-in approval policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		separationOfDutiesPolicy(),
		fleetSizePolicy(),
		massRestartPolicy(),
		securitySoftwarePolicy(),
		elevatedLocalAccountPolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].LoadedAt = now
	}
	return policies
}

// separationOfDutiesPolicy forbids approving one's own request.
func separationOfDutiesPolicy() Policy {
	return Policy{
		Name:        "separation-of-duties",
		Description: "A request must be approved by someone other than its requester",
		Severity:    SeverityError,
		Rego: `package fleetsetup.approval.separation

import rego.v1

deny contains violation if {
	lower(trim_space(input.approver)) == lower(trim_space(input.request.requester))
	violation := {
		"message": sprintf("%s cannot approve their own request", [input.approver]),
		"severity": "error",
	}
}
`,
	}
}

// fleetSizePolicy caps the number of machines of one request.
func fleetSizePolicy() Policy {
	return Policy{
		Name:        "fleet-size",
		Description: "A request may cover at most 100 machines",
		Severity:    SeverityError,
		Rego: `package fleetsetup.approval.fleet_size

import rego.v1

max_machines := 100

deny contains violation if {
	n := count(input.request.machines)
	n > max_machines
	violation := {
		"message": sprintf("request covers %d machines, the limit is %d", [n, max_machines]),
		"severity": "error",
	}
}
`,
	}
}

// massRestartPolicy warns when many machines restart in one request.
func massRestartPolicy() Policy {
	return Policy{
		Name:        "mass-restart",
		Description: "Restarting more than 20 machines at once needs a second look",
		Severity:    SeverityWarning,
		Rego: `package fleetsetup.approval.mass_restart

import rego.v1

threshold := 20

deny contains violation if {
	"restart_system" in input.request.tasks
	n := count(input.request.machines)
	n > threshold
	violation := {
		"message": sprintf("restart_system will restart %d machines", [n]),
		"severity": "warning",
	}
}
`,
	}
}

// securitySoftwarePolicy forbids disabling the firewall without installing
// endpoint protection in the same request.
func securitySoftwarePolicy() Policy {
	return Policy{
		Name:        "security-software",
		Description: "Disabling Windows Defender requires installing another endpoint protection product",
		Severity:    SeverityError,
		Rego: `package fleetsetup.approval.security_software

import rego.v1

protection := {"install_carbon_black", "install_apex_one", "install_virus_buster"}

deny contains violation if {
	"disable_defender" in input.request.tasks
	count({t | some t in input.request.tasks; t in protection}) == 0
	violation := {
		"message": "disable_defender requires one of install_carbon_black, install_apex_one or install_virus_buster",
		"severity": "error",
	}
}
`,
	}
}

// elevatedLocalAccountPolicy flags new local accounts with administrator
// rights.
func elevatedLocalAccountPolicy() Policy {
	return Policy{
		Name:        "elevated-local-account",
		Description: "New local accounts with administrator rights are reported to the approver",
		Severity:    SeverityWarning,
		Rego: `package fleetsetup.approval.elevated_local

import rego.v1

deny contains violation if {
	some m in input.request.machines
	m.login.kind == "new_local"
	m.elevated
	violation := {
		"message": sprintf("%s gets a new local administrator %s", [m.name, m.login.new_local.username]),
		"severity": "warning",
		"machine": m.name,
	}
}
`,
	}
}
