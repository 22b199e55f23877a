// Package guard implements the authorization filters every file operation and
// OS command must pass before it reaches the filesystem or process layer: a
// path guard with allowed-root containment and sensitive-path denial, and a
// two-tier command guard built allow-table-first with regex denylists as
// defense-in-depth. Both guards are pure: they compute decisions and
// normalized resources, never touching the OS themselves.
package guard

// Tier selects which command allow-table and supplementary denylist apply.
type Tier int

const (
	// TierBasic permits read-only diagnostics and safe app launches.
	TierBasic Tier = iota
	// TierSupport adds process termination, repair tools, service control
	// and cache clearing on top of everything TierBasic permits.
	TierSupport
)

// String returns the tier name used in config files and audit records.
func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierSupport:
		return "support"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a path validation. When Allowed is true the
// caller must use NormalizedPath for the actual OS call, never the raw input.
type Decision struct {
	Allowed        bool
	NormalizedPath string
	Reason         string
}

// CmdDecision is the outcome of a command validation.
type CmdDecision struct {
	Allowed       bool
	Shell         string
	Description   string
	RequiresAdmin bool
	Reason        string
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func denyCmd(reason string) CmdDecision {
	return CmdDecision{Allowed: false, Reason: reason}
}
