package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"unicode"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/odmirror/odmirror/internal/config"
)

// maxNameLength is the per-component limit in bytes.
const maxNameLength = 255

// illegalNameChars are forbidden in the remote namespace.
const illegalNameChars = `"*:<>?/\|`

// reservedNames are Windows device names the service rejects,
// case-insensitive, with or without extension.
var reservedNames = func() map[string]bool {
	names := map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
	}

	for i := 0; i < 10; i++ {
		names[fmt.Sprintf("COM%d", i)] = true
		names[fmt.Sprintf("LPT%d", i)] = true
	}

	return names
}()

// FilterResult reports an include/exclude decision with its reason.
type FilterResult struct {
	Included bool
	Reason   string

	// Descend is set on excluded directories that must still be walked
	// because a sync_list anywhere-rule could match a descendant.
	Descend bool
}

// Filter evaluates the three filter families in order: remote naming
// rules, client-side include/exclude rules, and the sync_list
// inclusion list. The same pipeline runs over local paths and remote
// items; callers supply the path relative to the sync root.
//
// The pipeline is pure apart from the cached sync_list file; it never
// mutates state or touches the network.
type Filter struct {
	cfg      *config.Config
	logger   *slog.Logger
	syncRoot string

	skipSizeBytes int64

	syncList        *ignore.GitIgnore
	hasAnywhereRule bool

	// anchoredRules holds the root-anchored sync_list paths with the
	// leading slash stripped, for parent-directory traversal checks.
	anchoredRules []string

	// nosyncCache remembers which directories carry a .nosync marker.
	nosyncCache map[string]bool
	mu          gosync.RWMutex
}

// NewFilter builds a Filter, loading the sync_list file when configured.
func NewFilter(cfg *config.Config, logger *slog.Logger) (*Filter, error) {
	f := &Filter{
		cfg:           cfg,
		logger:        logger,
		syncRoot:      cfg.SyncDir,
		skipSizeBytes: cfg.SkipSizeBytes(),
		nosyncCache:   make(map[string]bool),
	}

	if cfg.SyncListPath != "" {
		if err := f.loadSyncList(cfg.SyncListPath); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// loadSyncList parses the inclusion rules. Lines without a leading
// slash are "anywhere" rules: they can match at any depth, which forces
// the scanner to descend into otherwise-excluded directories.
func (f *Filter) loadSyncList(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sync: reading sync_list %s: %w", path, err)
	}

	var lines []string

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "/"):
			f.anchoredRules = append(f.anchoredRules, strings.TrimPrefix(line, "/"))
		case !strings.HasPrefix(line, "!"):
			f.hasAnywhereRule = true
		}

		lines = append(lines, line)
	}

	f.syncList = ignore.CompileIgnoreLines(lines...)

	f.logger.Info("loaded sync_list",
		slog.String("path", path),
		slog.Int("rules", len(lines)),
		slog.Bool("anywhere_rules", f.hasAnywhereRule),
	)

	return nil
}

// Evaluate runs the full cascade over a path relative to the sync root.
func (f *Filter) Evaluate(relPath string, isDir bool, size int64) FilterResult {
	if result := f.checkNameRules(relPath); !result.Included {
		return result
	}

	if result := f.checkClientRules(relPath, isDir, size); !result.Included {
		return result
	}

	return f.checkSyncList(relPath, isDir)
}

// EvaluateLocal additionally consults the on-disk state the remote
// pipeline cannot see: .nosync markers and symlinks.
func (f *Filter) EvaluateLocal(relPath string, info os.FileInfo) FilterResult {
	if info.Mode()&os.ModeSymlink != 0 {
		if f.cfg.SkipSymlinks {
			return FilterResult{Reason: "symlink excluded"}
		}

		if !f.symlinkResolves(relPath) {
			return FilterResult{Reason: "dangling symlink"}
		}
	}

	isDir := info.IsDir()

	if isDir && f.cfg.CheckNosync && f.hasNosyncMarker(relPath) {
		return FilterResult{Reason: ".nosync marker present"}
	}

	return f.Evaluate(relPath, isDir, info.Size())
}

// checkNameRules applies the always-on remote naming rules to every
// path component.
func (f *Filter) checkNameRules(relPath string) FilterResult {
	for _, comp := range strings.Split(filepath.ToSlash(relPath), "/") {
		if comp == "" || comp == "." {
			continue
		}

		if reason := invalidNameReason(comp); reason != "" {
			f.logger.Debug("path excluded by naming rules",
				slog.String("path", relPath),
				slog.String("reason", reason),
			)

			return FilterResult{Reason: reason}
		}
	}

	return FilterResult{Included: true}
}

// checkClientRules applies skip_dotfiles, skip_dir, skip_file, and
// skip_size.
func (f *Filter) checkClientRules(relPath string, isDir bool, size int64) FilterResult {
	name := filepath.Base(relPath)

	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		return FilterResult{Reason: "dotfile excluded"}
	}

	if isDir {
		if f.matchesGlobList(name, relPath, f.cfg.SkipDir) {
			return FilterResult{Reason: "matches skip_dir pattern"}
		}

		return FilterResult{Included: true}
	}

	if f.matchesGlobList(name, relPath, f.cfg.SkipFile) {
		return FilterResult{Reason: "matches skip_file pattern"}
	}

	if f.skipSizeBytes > 0 && size > f.skipSizeBytes {
		return FilterResult{Reason: "exceeds skip_size"}
	}

	return FilterResult{Included: true}
}

// checkSyncList applies the inclusion list. Excluded directories keep
// Descend set when an anywhere-rule might match deeper content.
func (f *Filter) checkSyncList(relPath string, isDir bool) FilterResult {
	if f.syncList == nil {
		return FilterResult{Included: true}
	}

	matchPath := filepath.ToSlash(relPath)
	if isDir {
		matchPath += "/"
	}

	// Root-level files bypass the list when sync_root_files is on.
	if !isDir && f.cfg.SyncRootFiles && !strings.Contains(filepath.ToSlash(relPath), "/") {
		return FilterResult{Included: true}
	}

	if f.syncList.MatchesPath(matchPath) {
		return FilterResult{Included: true}
	}

	// A parent of an included path must stay traversable.
	if isDir && f.includesDescendant(relPath) {
		return FilterResult{Included: true}
	}

	return FilterResult{
		Reason:  "not in sync_list",
		Descend: isDir && f.hasAnywhereRule,
	}
}

// includesDescendant reports whether any sync_list rule is anchored
// beneath relPath. This is a string-prefix comparison against the rule
// paths themselves: a glob match cannot see that "/Photos/2024/" makes
// the intermediate "Photos" directory traversable.
func (f *Filter) includesDescendant(relPath string) bool {
	prefix := filepath.ToSlash(relPath) + "/"

	for _, rule := range f.anchoredRules {
		if strings.HasPrefix(rule, prefix) {
			return true
		}
	}

	return false
}

// symlinkResolves reports whether a symlink has a reachable target.
// A relative target that does not resolve from the link's own directory
// gets a second chance from the sync root, so links created against the
// root survive the tree being walked from elsewhere. Absolute targets
// that do not exist are dangling, full stop.
func (f *Filter) symlinkResolves(relPath string) bool {
	full := filepath.Join(f.syncRoot, filepath.FromSlash(relPath))

	if _, err := os.Stat(full); err == nil {
		return true
	}

	target, err := os.Readlink(full)
	if err != nil || filepath.IsAbs(target) {
		return false
	}

	_, err = os.Stat(filepath.Join(f.syncRoot, target))

	return err == nil
}

// matchesGlobList matches both the bare name and the root-anchored
// relative path against the glob list, case-insensitively.
func (f *Filter) matchesGlobList(name, relPath string, patterns []string) bool {
	lowerName := strings.ToLower(name)
	lowerPath := strings.ToLower(filepath.ToSlash(relPath))

	for _, pattern := range config.NormalizePatterns(patterns) {
		lower := strings.ToLower(pattern)

		for _, candidate := range []string{lowerName, lowerPath, "/" + lowerPath} {
			matched, err := filepath.Match(strings.TrimPrefix(lower, "/"), strings.TrimPrefix(candidate, "/"))
			if err != nil {
				f.logger.Warn("malformed skip pattern",
					slog.String("pattern", pattern),
					slog.String("error", err.Error()),
				)

				break
			}

			if matched {
				return true
			}
		}
	}

	return false
}

// hasNosyncMarker checks (and caches) whether a directory contains a
// .nosync file.
func (f *Filter) hasNosyncMarker(relPath string) bool {
	f.mu.RLock()
	cached, ok := f.nosyncCache[relPath]
	f.mu.RUnlock()

	if ok {
		return cached
	}

	_, err := os.Stat(filepath.Join(f.syncRoot, relPath, ".nosync"))
	present := err == nil

	f.mu.Lock()
	f.nosyncCache[relPath] = present
	f.mu.Unlock()

	return present
}

// invalidNameReason applies the remote naming rules to one component.
// Empty return means the name is acceptable.
func invalidNameReason(name string) string {
	if !utf8.ValidString(name) {
		return "name is not valid UTF-8"
	}

	for _, ch := range name {
		if strings.ContainsRune(illegalNameChars, ch) {
			return fmt.Sprintf("contains illegal character %q", string(ch))
		}

		if ch < 0x20 || ch == 0x7f {
			return "contains control character"
		}

		// Characters outside the UTF-16 encodable range cannot round-trip
		// through the service's metadata layer.
		if ch > 0x10FFFF || (ch >= 0xD800 && ch <= 0xDFFF) {
			return "contains character outside UTF-16 range"
		}
	}

	// HTML entity codes embedded in names get rewritten server-side.
	if strings.Contains(name, "&#") {
		return "contains HTML entity code"
	}

	upper := strings.ToUpper(name)
	base := upper

	if dot := strings.IndexByte(upper, '.'); dot >= 0 {
		base = upper[:dot]
	}

	if reservedNames[base] {
		return fmt.Sprintf("%q is a reserved name", name)
	}

	if strings.HasSuffix(name, ".") {
		return "name ends with a dot"
	}

	if strings.HasSuffix(name, " ") {
		return "name ends with a space"
	}

	if name != "" && unicode.IsSpace(rune(name[0])) {
		return "name starts with whitespace"
	}

	if strings.HasPrefix(name, "~$") {
		return "name starts with ~$"
	}

	if strings.Contains(name, "_vti_") {
		return "name contains _vti_"
	}

	if len(name) > maxNameLength {
		return fmt.Sprintf("name exceeds %d bytes", maxNameLength)
	}

	return ""
}

// CaseCollision reports whether candidate collides case-insensitively
// with a different existing sibling name.
func CaseCollision(candidate string, siblings []string) (string, bool) {
	lower := strings.ToLower(candidate)

	for _, sib := range siblings {
		if sib != candidate && strings.ToLower(sib) == lower {
			return sib, true
		}
	}

	return "", false
}
