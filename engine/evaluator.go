package engine

import "strings"

// Decision is the evaluator's output. Rule and Message describe the winning
// rule; SubstitutedCommand and AllowOverride are meaningful only for the
// Kind noted on each.
type Decision struct {
	Kind Action

	// Rule is the name of the winning rule. Empty for the fast-path/default
	// Allow (no rule matched).
	Rule string

	Message string

	// SubstitutedCommand is set only when Kind == ActionRedirect.
	SubstitutedCommand string

	// AllowOverride mirrors the winning rule's AllowOverride flag; only
	// meaningful when Kind == ActionDeny.
	AllowOverride bool
}

// Allow is the zero-rule, fast-path decision.
var Allow = Decision{Kind: ActionAllow}

// Evaluate matches ctx against rules and returns the aggregated Decision.
//
// Step 1 is the fast-path gate (§4.4): if ctx.Executable isn't indexed and
// there are no unconstrained rules, this returns Allow immediately without
// touching any condition code. This is the dominant path in practice and
// must stay branch-predictable, so it is checked before any allocation.
//
// Aggregation picks the highest-priority matching rule (Deny > RequireApproval
// > Redirect > Allow); ties break by RuleSet order, i.e. the first matching
// rule at that priority wins.
func Evaluate(ctx *CommandContext, rules *RuleSet) Decision {
	if rules == nil {
		return Allow
	}

	if len(rules.IndexByExecutable[ctx.Executable]) == 0 && len(rules.UnconstrainedRules) == 0 {
		return Allow
	}

	candidates := rules.candidatesFor(ctx.Executable)

	var winner *Rule

	for _, r := range candidates {
		if !r.matches(ctx) {
			continue
		}

		if winner == nil || r.Action.priority() > winner.Action.priority() {
			winner = r
		}
	}

	if winner == nil {
		return Allow
	}

	decision := Decision{
		Kind:          winner.Action,
		Rule:          winner.Name,
		Message:       winner.Message,
		AllowOverride: winner.AllowOverride,
	}

	if winner.Action == ActionRedirect {
		decision.SubstitutedCommand = substituteRedirect(winner.RedirectTo, ctx)
	}

	return decision
}

// substituteRedirect performs literal substitution of $ARGS, $CMD, $PWD in
// a redirect_to template. Substitution is textual, not shell-aware: $ARGS
// expands to the original argument tokens rejoined with single spaces.
func substituteRedirect(template string, ctx *CommandContext) string {
	replacer := strings.NewReplacer(
		"$ARGS", strings.Join(ctx.Args, " "),
		"$CMD", ctx.Command,
		"$PWD", ctx.WorkingDir,
	)

	return replacer.Replace(template)
}
