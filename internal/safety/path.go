// Package safety guards output file names derived from untrusted source
// metadata.
package safety

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidateName checks that a guest name can be used as a single file name
// component. Source metadata comes from another hypervisor and may contain
// anything.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name %q is not allowed", name)
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("name %q must not start with '-'", name)
	}
	for _, r := range name {
		if r == '/' || r == filepath.Separator {
			return fmt.Errorf("name %q contains a path separator", name)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("name %q contains control characters", name)
		}
	}
	return nil
}

// OutputPath returns root/<name><suffix> after checking that name is a
// single safe component and that the result stays inside root.
func OutputPath(root, name, suffix string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, name+suffix))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
