package safety

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"fedora-39", false},
		{"Windows Server 2019", false},
		{"guest.v2", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../etc", true},
		{"a/b", true},
		{"-rf", true},
		{"bad\nname", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestOutputPath(t *testing.T) {
	root := t.TempDir()

	p, err := OutputPath(root, "guest", "-sda")
	if err != nil {
		t.Fatalf("OutputPath returned error: %v", err)
	}
	if p != filepath.Join(root, "guest-sda") {
		t.Fatalf("OutputPath = %q", p)
	}

	if _, err := OutputPath(root, "../escape", ".yaml"); err == nil {
		t.Fatal("expected traversal name to fail")
	}
	if _, err := OutputPath(root, "/abs", ""); err == nil {
		t.Fatal("expected absolute name to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	got, err := EnsureUnderRoot(root, root+"/child/file.txt")
	if err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if !strings.HasPrefix(got, root) {
		t.Fatalf("path %q is not under root %q", got, root)
	}
	if _, err := EnsureUnderRoot(root, root+"/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
	if _, err := EnsureUnderRoot(root, root); err == nil {
		t.Fatal("expected root itself to fail")
	}
}
