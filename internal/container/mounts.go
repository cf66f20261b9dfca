package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var groupFolderPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateGroupFolder rejects empty names, the reserved name "global", and
// anything outside the conservative filesystem-safe character set.
func ValidateGroupFolder(folder string) error {
	if folder == "" || folder == "global" || !groupFolderPattern.MatchString(folder) {
		return fmt.Errorf("container: invalid group folder %q", folder)
	}
	return nil
}

// Allowlist is the compiled form of ~/.config/<product>/mount-allowlist.json.
// An additional host mount is permitted only if it resolves under one of
// AllowedRoots and matches none of BlockedPatterns; a path that matches
// neither list is rejected, not silently allowed.
type Allowlist struct {
	AllowedRoots    []string
	BlockedPatterns []*regexp.Regexp
	NonMainReadOnly bool
}

type allowlistFile struct {
	AllowedRoots    []string `json:"allowedRoots"`
	BlockedPatterns []string `json:"blockedPatterns"`
	NonMainReadOnly bool     `json:"nonMainReadOnly"`
}

// DefaultAllowlistPath returns ~/.config/<product>/mount-allowlist.json.
func DefaultAllowlistPath(product string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("container: resolve config dir: %w", err)
	}
	return filepath.Join(configDir, product, "mount-allowlist.json"), nil
}

// LoadAllowlist reads and compiles the allowlist file at path. A missing
// file is not an error: it yields an empty allowlist, under which every
// additional mount is rejected (the three fixed mounts are unaffected).
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Allowlist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("container: read allowlist %s: %w", path, err)
	}

	var raw allowlistFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("container: parse allowlist %s: %w", path, err)
	}

	a := &Allowlist{AllowedRoots: raw.AllowedRoots, NonMainReadOnly: raw.NonMainReadOnly}
	for _, p := range raw.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("container: invalid blocked pattern %q: %w", p, err)
		}
		a.BlockedPatterns = append(a.BlockedPatterns, re)
	}
	return a, nil
}

// Validate reports an error if hostPath is not under an allowed root, or
// matches a blocked pattern. Unlisted paths are rejected.
func (a *Allowlist) Validate(hostPath string) error {
	if len(a.AllowedRoots) == 0 {
		return fmt.Errorf("container: no mount allowlist configured, rejecting %s", hostPath)
	}
	allowed := false
	for _, root := range a.AllowedRoots {
		if hostPath == root || strings.HasPrefix(hostPath, root+string(os.PathSeparator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("container: mount path %s is not under an allowed root", hostPath)
	}
	for _, re := range a.BlockedPatterns {
		if re.MatchString(hostPath) {
			return fmt.Errorf("container: mount path %s matches blocked pattern %s", hostPath, re.String())
		}
	}
	return nil
}
