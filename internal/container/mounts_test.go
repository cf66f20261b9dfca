package container

import (
	"path/filepath"
	"testing"
)

func TestValidateGroupFolder(t *testing.T) {
	cases := []struct {
		folder  string
		wantErr bool
	}{
		{"acme-corp", false},
		{"acme_corp_2", false},
		{"", true},
		{"global", true},
		{"../escape", true},
		{"has space", true},
	}
	for _, c := range cases {
		err := ValidateGroupFolder(c.folder)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateGroupFolder(%q): err=%v, wantErr=%v", c.folder, err, c.wantErr)
		}
	}
}

func TestAllowlistRejectsUnlistedPaths(t *testing.T) {
	a := &Allowlist{}
	if err := a.Validate("/Users/me/projects/foo"); err == nil {
		t.Fatal("expected empty allowlist to reject every path")
	}
}

func TestAllowlistAllowsUnderRoot(t *testing.T) {
	a := &Allowlist{AllowedRoots: []string{"/Users/me/projects"}}
	if err := a.Validate(filepath.Join("/Users/me/projects", "foo")); err != nil {
		t.Fatalf("expected path under allowed root to pass, got %v", err)
	}
	if err := a.Validate("/Users/me/projects"); err != nil {
		t.Fatalf("expected the root itself to pass, got %v", err)
	}
	if err := a.Validate("/etc/passwd"); err == nil {
		t.Fatal("expected path outside allowed roots to be rejected")
	}
}

func TestAllowlistBlockedPatterns(t *testing.T) {
	a, err := LoadAllowlist("testdata/mount-allowlist.json")
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if err := a.Validate("/Users/me/projects/.ssh/id_rsa"); err == nil {
		t.Fatal("expected .ssh path to be blocked")
	}
	if err := a.Validate("/Users/me/projects/app"); err != nil {
		t.Fatalf("expected non-blocked path under allowed root to pass, got %v", err)
	}
}

func TestLoadAllowlistMissingFileIsEmpty(t *testing.T) {
	a, err := LoadAllowlist("testdata/does-not-exist.json")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if len(a.AllowedRoots) != 0 {
		t.Fatal("expected empty allowlist for missing file")
	}
}
