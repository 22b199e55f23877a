package guard

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNoAllowedRoots is returned when a PathGuard is constructed without any
// allowed root directories. Running with an empty root set would deny every
// path, which is almost certainly a deployment mistake.
var ErrNoAllowedRoots = errors.New("guard: no allowed root directories configured")

// sensitivePathFragments are case-insensitive substrings that force denial
// anywhere in a normalized path, even inside an allowed root. They cover
// credential stores, key material and system hives an assistant has no
// business touching on a user's behalf.
var sensitivePathFragments = []string{
	"/.ssh",
	"/.gnupg",
	"/.aws",
	"/.azure",
	"/.kube",
	"/.docker/config.json",
	"/.netrc",
	"/.pgpass",
	"/.git-credentials",
	"/etc/shadow",
	"/etc/ssh",
	"id_rsa",
	"id_ed25519",
	"ntuser.dat",
	"/system32/config/",
	"/credentials",
	"credential store",
	"/login data",
	"/logins.json",
	"/key3.db",
	"/key4.db",
	"/cookies",
	"/web data",
	"wallet.dat",
	".keychain",
	"/keychains/",
	"/gnupg/",
}

// readDeniedExtensions blocks reading executable, registry and installer
// payloads. Reading those serves exfiltration or staging, not support.
var readDeniedExtensions = map[string]bool{
	".exe": true, ".dll": true, ".sys": true, ".com": true, ".scr": true,
	".msi": true, ".msp": true, ".msu": true, ".reg": true, ".ocx": true,
	".drv": true, ".efi": true,
}

// writeDeniedExtensions is the broader write-side denylist: everything read
// denies plus scripts, shortcuts and control-panel applets that would turn a
// write into code execution on next use.
var writeDeniedExtensions = map[string]bool{
	".bat": true, ".cmd": true, ".ps1": true, ".psm1": true, ".vbs": true,
	".vbe": true, ".js": true, ".jse": true, ".wsf": true, ".wsh": true,
	".sh": true, ".bash": true, ".zsh": true, ".lnk": true, ".url": true,
	".cpl": true, ".inf": true, ".hta": true, ".jar": true, ".appx": true,
	".deb": true, ".rpm": true, ".pkg": true, ".dmg": true,
}

// protectedFolderNames are well-known personal-data folders directly under an
// allowed root that must never be the target of a delete, even when empty.
var protectedFolderNames = []string{
	"desktop", "documents", "pictures", "music", "videos", "downloads",
}

func init() {
	for ext := range readDeniedExtensions {
		writeDeniedExtensions[ext] = true
	}
}

// PathGuard decides whether a filesystem path may be read, written, deleted
// or listed. It is stateless per call and never touches the filesystem; the
// caller performs the OS action using the normalized path a decision returns.
type PathGuard struct {
	roots     []string // normalized, lowercased, no trailing separator
	fragments []string // sensitive substrings, lowercased
}

// NewPathGuard builds a guard over the given allowed roots. Extra sensitive
// fragments (from a rule-pack overlay) are added to the built-in set; the
// built-ins cannot be removed.
func NewPathGuard(allowedRoots, extraFragments []string) (*PathGuard, error) {
	g := &PathGuard{}
	for _, root := range allowedRoots {
		norm, err := normalizePath(root)
		if err != nil {
			return nil, fmt.Errorf("guard: invalid allowed root %q: %w", root, err)
		}
		g.roots = append(g.roots, strings.ToLower(norm))
	}
	if len(g.roots) == 0 {
		return nil, ErrNoAllowedRoots
	}
	for _, f := range sensitivePathFragments {
		g.fragments = append(g.fragments, f)
	}
	for _, f := range extraFragments {
		f = strings.ToLower(strings.ReplaceAll(f, "\\", "/"))
		if f != "" {
			g.fragments = append(g.fragments, f)
		}
	}
	return g, nil
}

// ValidateRead decides whether a file may be read.
func (g *PathGuard) ValidateRead(p string) Decision {
	return g.validateFile(p, readDeniedExtensions, "reading")
}

// ValidateWrite decides whether a file may be written.
func (g *PathGuard) ValidateWrite(p string) Decision {
	return g.validateFile(p, writeDeniedExtensions, "writing")
}

// ValidateDirectory decides whether a directory may be listed or scanned.
// Directories carry no extension, so only normalization, containment and the
// sensitive denylist apply.
func (g *PathGuard) ValidateDirectory(p string) Decision {
	norm, d := g.contain(p)
	if !d.Allowed {
		return d
	}
	return Decision{Allowed: true, NormalizedPath: norm}
}

// ValidateDelete runs the full write checks and then adds delete hardening:
// an allowed root itself or a target directly under one is refused, as is
// any well-known personal-data folder itself.
func (g *PathGuard) ValidateDelete(p string) Decision {
	d := g.validateFile(p, writeDeniedExtensions, "deleting")
	if !d.Allowed {
		return d
	}
	norm := d.NormalizedPath
	lower := strings.ToLower(norm)
	parent := path.Dir(lower)
	for _, root := range g.roots {
		if lower == root {
			return deny("deleting an allowed root directory is not permitted")
		}
		if parent == root {
			return deny("deleting items directly in an allowed root directory is not permitted; move the item into a subfolder first")
		}
		for _, name := range protectedFolderNames {
			if lower == root+"/"+name {
				return deny(fmt.Sprintf("deleting the %s folder itself is not permitted", name))
			}
		}
	}
	return d
}

func (g *PathGuard) validateFile(p string, deniedExts map[string]bool, verb string) Decision {
	norm, d := g.contain(p)
	if !d.Allowed {
		return d
	}
	ext := strings.ToLower(path.Ext(norm))
	if ext != "" && deniedExts[ext] {
		return deny(fmt.Sprintf("%s %s files is not permitted", verb, ext))
	}
	return Decision{Allowed: true, NormalizedPath: norm}
}

// contain runs normalization, the allowed-root containment check and the
// sensitive-path denylist. It returns the normalized path alongside the
// decision so file validation can apply the extension policy to it.
func (g *PathGuard) contain(p string) (string, Decision) {
	norm, err := normalizePath(p)
	if err != nil {
		return "", deny(err.Error())
	}
	lower := strings.ToLower(norm)
	if !g.insideRoot(lower) {
		return "", deny("path is outside the allowed directories")
	}
	// The denylist overrides containment: being inside the home directory
	// does not excuse touching a credential store inside it.
	for _, frag := range g.fragments {
		if strings.Contains(lower, frag) {
			return "", deny("path touches a protected location and cannot be accessed")
		}
	}
	return norm, Decision{Allowed: true, NormalizedPath: norm}
}

// insideRoot reports whether lower is equal to or under one of the allowed
// roots, matching at a path-segment boundary so that /home/alice2 does not
// match the root /home/alice.
func (g *PathGuard) insideRoot(lower string) bool {
	for _, root := range g.roots {
		if lower == root || strings.HasPrefix(lower, root+"/") {
			return true
		}
	}
	return false
}

// normalizePath resolves p to an absolute, lexically canonical, slash
// separated form. It rejects UNC-style network paths both before and after
// resolution, since resolution itself can produce one. Symlinks are not
// followed; the guard is symlink-unaware by contract.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", errors.New("path contains a null byte")
	}
	if isUNC(p) {
		return "", errors.New("network paths are not allowed")
	}
	s := strings.ReplaceAll(p, "\\", "/")
	drive := ""
	if len(s) >= 2 && s[1] == ':' && isDriveLetter(s[0]) {
		drive = strings.ToUpper(s[:1]) + ":"
		s = s[2:]
		// c:notes.txt names a location relative to the drive's current
		// directory; a lexical guard cannot resolve it, so reject it.
		if !strings.HasPrefix(s, "/") {
			return "", errors.New("drive-relative paths are not allowed")
		}
	}
	if !strings.HasPrefix(s, "/") {
		return "", errors.New("path must be absolute")
	}
	cleaned := path.Clean(s)
	resolved := drive + cleaned
	if isUNC(resolved) {
		return "", errors.New("network paths are not allowed")
	}
	return resolved, nil
}

func isUNC(p string) bool {
	return strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//")
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
