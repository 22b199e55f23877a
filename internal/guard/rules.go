package guard

import "regexp"

// CommandRule is one entry in an allow-table, keyed by its canonical
// lowercase command prefix. A nil ArgPattern means the command is allowed
// only as an exact match with no trailing arguments; a non-nil pattern must
// fully match whatever follows the prefix.
type CommandRule struct {
	Shell         string
	Description   string
	RequiresAdmin bool
	ArgPattern    *regexp.Regexp
}

// BlockedPattern forces denial when its expression matches anywhere in the
// raw command string, regardless of allow-table membership.
type BlockedPattern struct {
	Pattern     *regexp.Regexp
	Description string
}

var (
	reHostname   = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{0,253}$`)
	rePingArgs   = regexp.MustCompile(`^(-n [1-9][0-9]{0,2} )?[a-z0-9][a-z0-9.\-]{0,253}$`)
	rePID        = regexp.MustCompile(`^[0-9]{1,7}( /f)?$`)
	reImageName  = regexp.MustCompile(`^[a-z0-9_.\-]+\.exe( /f)?$`)
	reService    = regexp.MustCompile(`^[a-z0-9][a-z0-9 _.\-]{0,63}$`)
	reDriveFlags = regexp.MustCompile(`^[a-z]:( /f| /r| /x)*$`)
	reDefragArgs = regexp.MustCompile(`^[a-z]:( /o| /u| /v)*$`)
	reDelaySecs  = regexp.MustCompile(`^[0-9]{1,4}$`)
	reCacheMask  = regexp.MustCompile(`^(1|2|8|16|255)$`)
	reSageRun    = regexp.MustCompile(`^(/sagerun:[0-9]{1,4})?$`)
)

// basicCommands is the Basic tier allow-table: read-only diagnostics and
// safe application launches. Anything not listed is denied by default.
var basicCommands = map[string]CommandRule{
	"systeminfo":       {Shell: "cmd", Description: "System information summary"},
	"hostname":         {Shell: "cmd", Description: "Machine hostname"},
	"whoami":           {Shell: "cmd", Description: "Current user name"},
	"ver":              {Shell: "cmd", Description: "OS version"},
	"tasklist":         {Shell: "cmd", Description: "Running process list"},
	"ipconfig":         {Shell: "cmd", Description: "Network adapter configuration"},
	"ipconfig /all":    {Shell: "cmd", Description: "Full network adapter configuration"},
	"getmac":           {Shell: "cmd", Description: "Network adapter MAC addresses"},
	"netstat -an":      {Shell: "cmd", Description: "Open connections and listening ports"},
	"ping":             {Shell: "cmd", Description: "Reachability test", ArgPattern: rePingArgs},
	"nslookup":         {Shell: "cmd", Description: "DNS lookup", ArgPattern: reHostname},
	"tracert":          {Shell: "cmd", Description: "Network route trace", ArgPattern: reHostname},
	"notepad":          {Shell: "cmd", Description: "Launch Notepad"},
	"calc":             {Shell: "cmd", Description: "Launch Calculator"},
	"get-psdrive":      {Shell: "powershell", Description: "Drive capacity and free space"},
	"get-computerinfo": {Shell: "powershell", Description: "Detailed computer information"},
}

// supportCommandAdditions are the entries the Support tier adds on top of
// the Basic table. Support is always a superset of Basic, never a subset.
var supportCommandAdditions = map[string]CommandRule{
	"taskkill /pid": {Shell: "cmd", Description: "Terminate a process by PID", ArgPattern: rePID},
	"taskkill /im":  {Shell: "cmd", Description: "Terminate a process by image name", ArgPattern: reImageName},

	"sfc /scannow": {Shell: "cmd", Description: "System file integrity scan and repair", RequiresAdmin: true},
	"dism /online /cleanup-image /scanhealth":    {Shell: "cmd", Description: "Component store health scan", RequiresAdmin: true},
	"dism /online /cleanup-image /restorehealth": {Shell: "cmd", Description: "Component store repair", RequiresAdmin: true},
	"chkdsk": {Shell: "cmd", Description: "Disk consistency check", RequiresAdmin: true, ArgPattern: reDriveFlags},
	"defrag": {Shell: "cmd", Description: "Volume optimization", RequiresAdmin: true, ArgPattern: reDefragArgs},

	"ipconfig /flushdns":  {Shell: "cmd", Description: "Flush the DNS resolver cache"},
	"ipconfig /release":   {Shell: "cmd", Description: "Release DHCP leases"},
	"ipconfig /renew":     {Shell: "cmd", Description: "Renew DHCP leases"},
	"netsh winsock reset": {Shell: "cmd", Description: "Reset the Winsock catalog", RequiresAdmin: true},
	"netsh int ip reset":  {Shell: "cmd", Description: "Reset the TCP/IP stack", RequiresAdmin: true},

	"net start": {Shell: "cmd", Description: "Start a service", RequiresAdmin: true, ArgPattern: reService},
	"net stop":  {Shell: "cmd", Description: "Stop a service", RequiresAdmin: true, ArgPattern: reService},
	"sc query":  {Shell: "cmd", Description: "Query service status", ArgPattern: reService},

	"gpupdate /force":     {Shell: "cmd", Description: "Refresh group policy"},
	"w32tm /resync":       {Shell: "cmd", Description: "Resynchronize the system clock", RequiresAdmin: true},
	"usoclient startscan": {Shell: "cmd", Description: "Trigger a Windows Update scan", RequiresAdmin: true},

	"cleanmgr":        {Shell: "cmd", Description: "Launch Disk Cleanup, optionally with a saved profile", ArgPattern: reSageRun},
	"rd /s /q %temp%": {Shell: "cmd", Description: "Clear the user temp directory"},
	"rundll32.exe inetcpl.cpl,clearmytracksbyprocess": {Shell: "cmd", Description: "Clear browser cache and history", ArgPattern: reCacheMask},

	"shutdown /r /t": {Shell: "cmd", Description: "Restart the machine after a delay", RequiresAdmin: true, ArgPattern: reDelaySecs},
}

// chainingPatterns is the global injection set evaluated against the raw
// command string for both tiers, before any allow-table matching. A valid
// prefix followed by a chaining operator must never reach the table.
var chainingPatterns = []BlockedPattern{
	{regexp.MustCompile(`&&|\|\||[;&|]`), "command chaining"},
	{regexp.MustCompile("`"), "command substitution"},
	{regexp.MustCompile(`\$\(`), "command substitution"},
	{regexp.MustCompile(`[<>]`), "stream redirection"},
	{regexp.MustCompile(`[\r\n]`), "newline injection"},
	{regexp.MustCompile(`(?i)%(0a|0d)`), "encoded newline injection"},
	{regexp.MustCompile(`\^`), "escape character"},
	{regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`), "control characters"},
}

// basicBlockedPatterns is the Basic tier's supplementary denylist: dangerous
// verbs and living-off-the-land binaries that a read-only diagnostics tier
// has no reason to ever see. Matching is defense-in-depth; the allow-table
// default deny is the load-bearing check.
var basicBlockedPatterns = []BlockedPattern{
	{regexp.MustCompile(`(?i)\b(format|diskpart|bcdedit|bootrec|bootsect|manage-bde)\b`), "disk or boot configuration tool"},
	{regexp.MustCompile(`(?i)\b(del|erase|rmdir|rd|cipher|sdelete)\b`), "file destruction verb"},
	{regexp.MustCompile(`(?i)\breg(\.exe)?\s+(add|delete|import|load|save|export)\b`), "registry mutation"},
	{regexp.MustCompile(`(?i)\bregedit\b`), "registry editor"},
	{regexp.MustCompile(`(?i)\b(takeown|icacls|cacls|attrib)\b`), "permission or attribute change"},
	{regexp.MustCompile(`(?i)\b(schtasks|at)\b`), "scheduled task creation"},
	{regexp.MustCompile(`(?i)\b(sc|net|netsh)\b`), "service or network configuration"},
	{regexp.MustCompile(`(?i)\b(wmic|powershell|pwsh|cmd(\.exe)?)\b`), "shell or WMI invocation"},
	{regexp.MustCompile(`(?i)\b(mshta|cscript|wscript|rundll32|regsvr32|msiexec|certutil|bitsadmin|forfiles)\b`), "living-off-the-land binary"},
	{regexp.MustCompile(`(?i)\b(curl|wget|ftp|telnet|ssh|scp|tftp)\b`), "network transfer tool"},
	{regexp.MustCompile(`(?i)\b(psexec|winrm|winrs)\b`), "remote execution tool"},
	{regexp.MustCompile(`(?i)\b(taskkill|shutdown|logoff|restart-computer|stop-computer)\b`), "process or power control"},
	{regexp.MustCompile(`(?i)\b(vssadmin|wbadmin|wevtutil|fsutil|reagentc)\b`), "system maintenance tool"},
	{regexp.MustCompile(`(?i)\b(xcopy|robocopy|copy|move|mklink|ren|rename)\b`), "file manipulation verb"},
	{regexp.MustCompile(`(?i)(-enc\b|-encodedcommand|frombase64string|\biex\b|invoke-expression|invoke-webrequest|downloadstring|downloadfile|start-process)`), "encoded or dynamic execution"},
}

// supportBlockedPatterns is the Support tier's supplementary denylist. It is
// deliberately shorter than Basic's: the tier legitimately runs repair and
// service tooling, so only the highest-severity primitives are blocked here.
var supportBlockedPatterns = []BlockedPattern{
	{regexp.MustCompile(`(?i)\b(format|diskpart)\b`), "disk formatting or partitioning"},
	{regexp.MustCompile(`(?i)\b(bcdedit|bootrec|bootsect)\b`), "boot record editing"},
	{regexp.MustCompile(`(?i)\breg(\.exe)?\s+(add|delete|import|load|save|export)\b`), "registry mutation"},
	{regexp.MustCompile(`(?i)\bregedit\b`), "registry editor"},
	{regexp.MustCompile(`(?i)(mimikatz|sekurlsa|lsass|procdump|ntdsutil)`), "credential dumping"},
	{regexp.MustCompile(`(?i)\bvssadmin\s+delete\b`), "shadow copy destruction"},
	{regexp.MustCompile(`(?i)\bcipher\s+/w\b`), "free space wiping"},
	{regexp.MustCompile(`(?i)\b(psexec|winrm|winrs)\b`), "remote execution tool"},
	{regexp.MustCompile(`(?i)\bwmic\s+process\s+call\s+create\b`), "WMI process creation"},
	{regexp.MustCompile(`(?i)\b(certutil|bitsadmin|mshta)\b`), "living-off-the-land download tool"},
	{regexp.MustCompile(`(?i)\bnet\s+(user|localgroup)\b`), "account mutation"},
	{regexp.MustCompile(`(?i)\bschtasks\s+/create\b`), "scheduled task creation"},
	{regexp.MustCompile(`(?i)(-enc\b|-encodedcommand|frombase64string|\biex\b|invoke-expression|downloadstring|downloadfile)`), "encoded or dynamic execution"},
}
