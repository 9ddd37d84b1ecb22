// Package policy provides Open Policy Agent (OPA) approval policies for
// fleetsetup requests.
//
// # Architecture
//
// The policy system consists of three main components:
//
//  1. Engine - Compiles Rego policies and implements engine.ApprovalPolicy
//  2. Loader - Loads site policies from a directory and watches it for changes
//  3. Built-in Policies - Rules every installation starts with
//
// # Usage
//
//	pe, err := policy.NewEngine(logger, true)
//	if err != nil {
//	    return err
//	}
//
//	site, err := policy.NewLoader(logger).LoadDir(ctx, "/etc/fleetsetup/policies")
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, site); err != nil {
//	    return err
//	}
//
//	decision, err := pe.EvaluateApproval(ctx, req, "alice")
//
// # Writing Policies
//
// A policy is a Rego module defining a deny set. The input is an
// ApprovalInput: the request (machines, tasks, options, requester) and the
// approver. Passwords are never part of the input.
//
//	package site.lab_only
//
//	import rego.v1
//
//	deny contains violation if {
//	    some m in input.request.machines
//	    not startswith(m.address, "10.20.")
//	    violation := {
//	        "message": sprintf("%s is outside the lab network", [m.name]),
//	        "severity": "error",
//	        "machine": m.name,
//	    }
//	}
//
// # Built-in Policies
//
//   - separation-of-duties: the approver must not be the requester (error)
//   - fleet-size: at most 100 machines per request (error)
//   - mass-restart: restart_system on more than 20 machines (warning)
//   - security-software: disable_defender needs an endpoint protection install (error)
//   - elevated-local-account: new local administrator accounts (warning)
//
// Violations of severity error or critical deny approval. Warnings are
// returned with the decision and do not block it.
package policy
