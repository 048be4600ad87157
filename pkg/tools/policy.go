package tools

import (
	"fmt"

	"github.com/tesslate/studio/pkg/types"
)

// Gate is the planning outcome for one invocation.
type Gate string

const (
	GateExecute Gate = "execute" // Run immediately
	GateApprove Gate = "approve" // Park the turn on an approval
	GateBlock   Gate = "block"   // Refuse; Cause carries the error
)

// Decision is the resolved gate plus the reason shown to the user in
// approval requests and to the model in refusals.
type Decision struct {
	Gate   Gate
	Reason string
	Cause  error // Set when Gate == GateBlock
}

// Plan resolves a tool call against its policy, the turn's edit mode,
// and the command validator. It has no side effects; the engine calls
// Execute or Refuse with the outcome.
func (r *Registry) Plan(inv *Invocation, mode types.EditMode) Decision {
	def, ok := r.defs[inv.Name]
	if !ok {
		return Decision{Gate: GateBlock, Cause: types.UserErrorf("unknown tool %q", inv.Name)}
	}

	if def.Write {
		if mode == types.EditModePlan {
			return Decision{Gate: GateBlock, Cause: types.UserErrorf(
				"%s is blocked: the turn is in plan mode, propose changes instead of applying them", inv.Name)}
		}
		// An always-approve write stays gated even in allow mode.
		if def.Policy == types.PolicyAlways {
			return Decision{Gate: GateApprove, Reason: fmt.Sprintf("%s always requires approval", inv.Name)}
		}
		if mode == types.EditModeAsk {
			return Decision{Gate: GateApprove, Reason: fmt.Sprintf("%s modifies the workspace", inv.Name)}
		}
		// Allow mode: writes into another container dir still need a
		// human.
		if target := strArg(inv.Args, "container_dir"); target != "" && target != inv.Dir {
			return Decision{Gate: GateApprove, Reason: fmt.Sprintf(
				"%s targets container dir %q, outside the active %q", inv.Name, target, inv.Dir)}
		}
		return Decision{Gate: GateExecute}
	}

	switch def.Policy {
	case types.PolicyNever:
		return Decision{Gate: GateExecute}
	case types.PolicyAlways:
		return Decision{Gate: GateApprove, Reason: fmt.Sprintf("%s always requires approval", inv.Name)}
	}

	// High-risk tools gate on what the validator finds.
	switch inv.Name {
	case "bash":
		return r.planCommand(inv, strArg(inv.Args, "command"))
	case "shell_session":
		input := strArg(inv.Args, "input")
		if input == "" {
			return Decision{Gate: GateExecute}
		}
		return r.planCommand(inv, input)
	case "fetch":
		return planFetch(r.fetchAllowed, strArg(inv.Args, "url"))
	}
	return Decision{Gate: GateExecute}
}

// planCommand applies the blocklist and both pattern scans.
func (r *Registry) planCommand(inv *Invocation, command string) Decision {
	if err := checkBlocklist(command); err != nil {
		return Decision{Gate: GateBlock, Cause: err}
	}
	if reason := blockedPatternReason(command); reason != "" {
		return Decision{Gate: GateBlock, Cause: fmt.Errorf("%w: %s", types.ErrBlockedCommand, reason)}
	}
	if reason := dangerousCommandReason(command); reason != "" {
		return Decision{Gate: GateApprove, Reason: reason}
	}
	return Decision{Gate: GateExecute}
}

// targetDir resolves which container dir an invocation operates on.
// Tools accept an optional container_dir argument; the turn's active
// dir is the default.
func targetDir(inv *Invocation) string {
	if d := strArg(inv.Args, "container_dir"); d != "" {
		return d
	}
	return inv.Dir
}
