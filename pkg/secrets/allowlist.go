package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ProjectAllowlistFile is the allowlist looked up in a project root.
const ProjectAllowlistFile = ".gitleaks.toml"

// Allowlist holds content patterns that must never be redacted.
type Allowlist struct {
	Regexes []string
}

// Merge returns the union of a and other.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := &Allowlist{}
	if a != nil {
		out.Regexes = append(out.Regexes, a.Regexes...)
	}
	if other != nil {
		out.Regexes = append(out.Regexes, other.Regexes...)
	}
	return out
}

// LoadAllowlist reads and merges allowlist files. Missing files are
// skipped; malformed TOML or patterns are errors. The file format matches
// gitleaks:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_[A-Z]+''']
func LoadAllowlist(paths ...string) (*Allowlist, error) {
	merged := &Allowlist{}
	for _, path := range paths {
		if path == "" {
			continue
		}
		a, err := loadTOML(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(a)
	}
	return merged, nil
}

// ProjectAllowlist returns the path of a project's allowlist file.
func ProjectAllowlist(projectRoot string) string {
	return filepath.Join(projectRoot, ProjectAllowlistFile)
}

func loadTOML(path string) (*Allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var doc struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: doc.Allowlist.Regexes}, nil
}
