// Package actions implements engine.ActionRunner for setup scripts.
//
// Two runners are provided. ScriptRunner executes the action script as a
// local subprocess and passes the target through FLEETSETUP_* environment
// variables. SSHRunner uploads the script and a JSON parameter file to the
// target machine over SFTP and executes it there.
//
// Both runners share the output contract: a JSON object on stdout (or as the
// last stdout line) becomes the result payload, and the exit code classifies
// failures:
//
//	0      success
//	2      validation failure, never retried
//	3      target unreachable (transport)
//	other  action failure, code ACTION_EXIT_<n>
//
// Every attempt may leave a raw transcript under the configured transcript
// directory. Transcript errors never fail the task.
package actions
