package guard

import (
	"fmt"
	"strings"
)

// CommandGuard decides whether a shell command string may execute at a given
// privilege tier. The allow-tables are the load-bearing control: anything
// not positively matched is denied. The blocked-pattern sets run first as
// defense-in-depth against chaining and obviously dangerous input.
type CommandGuard struct {
	basic   map[string]CommandRule
	support map[string]CommandRule

	chaining    []BlockedPattern
	basicDeny   []BlockedPattern
	supportDeny []BlockedPattern
}

// NewCommandGuard builds a guard over the built-in tables. Extra blocked
// patterns (from a rule-pack overlay) are appended to both tiers'
// supplementary sets; overlays can only tighten the policy.
func NewCommandGuard(extraBlocked []BlockedPattern) *CommandGuard {
	support := make(map[string]CommandRule, len(basicCommands)+len(supportCommandAdditions))
	for k, r := range basicCommands {
		support[k] = r
	}
	for k, r := range supportCommandAdditions {
		support[k] = r
	}
	g := &CommandGuard{
		basic:       basicCommands,
		support:     support,
		chaining:    chainingPatterns,
		basicDeny:   append(append([]BlockedPattern{}, basicBlockedPatterns...), extraBlocked...),
		supportDeny: append(append([]BlockedPattern{}, supportBlockedPatterns...), extraBlocked...),
	}
	return g
}

// IsAllowed validates a raw command string against the given tier.
func (g *CommandGuard) IsAllowed(command string, tier Tier) CmdDecision {
	if strings.TrimSpace(command) == "" {
		return denyCmd("empty command")
	}

	// Chaining and injection operators are checked against the raw,
	// unmodified string before any table matching, so a valid prefix can
	// never smuggle a second command past the table.
	for _, bp := range g.chaining {
		if bp.Pattern.MatchString(command) {
			return denyCmd(fmt.Sprintf("blocked pattern: %s", bp.Description))
		}
	}

	table, supplementary := g.tierTables(tier)
	for _, bp := range supplementary {
		if bp.Pattern.MatchString(command) {
			return denyCmd(fmt.Sprintf("blocked pattern: %s", bp.Description))
		}
	}

	normalized := normalizeCommand(command)

	if rule, ok := table[normalized]; ok {
		if rule.ArgPattern == nil || rule.ArgPattern.MatchString("") {
			return allowCmd(rule)
		}
		return denyCmd(fmt.Sprintf("invalid arguments for %q", normalized))
	}

	// Longest-prefix match against rules that accept arguments; the
	// remainder must fully match the rule's argument pattern.
	var (
		bestKey  string
		bestRule CommandRule
		found    bool
	)
	for key, rule := range table {
		if rule.ArgPattern == nil {
			continue
		}
		if strings.HasPrefix(normalized, key+" ") && len(key) > len(bestKey) {
			bestKey, bestRule, found = key, rule, true
		}
	}
	if found {
		rest := strings.TrimLeft(normalized[len(bestKey):], " ")
		if bestRule.ArgPattern.MatchString(rest) {
			return allowCmd(bestRule)
		}
		return denyCmd(fmt.Sprintf("invalid arguments for %q", bestKey))
	}

	return denyCmd("command is not in the allowed list for this tier")
}

func (g *CommandGuard) tierTables(tier Tier) (map[string]CommandRule, []BlockedPattern) {
	if tier == TierSupport {
		return g.support, g.supportDeny
	}
	return g.basic, g.basicDeny
}

func allowCmd(rule CommandRule) CmdDecision {
	return CmdDecision{
		Allowed:       true,
		Shell:         rule.Shell,
		Description:   rule.Description,
		RequiresAdmin: rule.RequiresAdmin,
	}
}

// normalizeCommand lowercases and collapses runs of whitespace so table keys
// match regardless of input casing and spacing.
func normalizeCommand(command string) string {
	return strings.Join(strings.Fields(strings.ToLower(command)), " ")
}
