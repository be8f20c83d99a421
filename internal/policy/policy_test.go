package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestPolicy(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "policy.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAdmitNoRulesAllowsEverything(t *testing.T) {
	if err := Empty.Admit(VidPid(0x1234, 0x5678), "anything"); err != nil {
		t.Fatalf("unexpected rejection: %s", err)
	}
}

func TestAdmitBlacklistByVidPid(t *testing.T) {
	path := writeTestPolicy(t, "[1234:5678]\nblacklist = true\n")
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Admit(VidPid(0x1234, 0x5678), ""); err != ErrBlacklisted {
		t.Fatalf("got %v, want ErrBlacklisted", err)
	}
	if err := p.Admit(VidPid(0x1234, 0x0000), ""); err != nil {
		t.Fatalf("unrelated device rejected: %s", err)
	}
}

func TestAdmitBlacklistByClientNameGlob(t *testing.T) {
	path := writeTestPolicy(t, "[untrusted-*]\nblacklist = true\n")
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Admit(VidPid(1, 2), "untrusted-host"); err != ErrBlacklisted {
		t.Fatal("expected blacklisting by client name glob")
	}
	if err := p.Admit(VidPid(1, 2), "trusted-host"); err != nil {
		t.Fatalf("unexpected rejection: %s", err)
	}
}

func TestLaterRuleOverridesEarlier(t *testing.T) {
	path := writeTestPolicy(t, "[*]\nblacklist = true\n\n[1234:5678]\nblacklist = false\n")
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Admit(VidPid(0x1234, 0x5678), ""); err != nil {
		t.Fatalf("more specific later rule should override: %s", err)
	}
	if err := p.Admit(VidPid(0xAAAA, 0xBBBB), ""); err != ErrBlacklisted {
		t.Fatal("wildcard rule should still blacklist unrelated devices")
	}
}

func TestLoadMissingFileIsEmptyPolicy(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Admit(VidPid(1, 1), ""); err != nil {
		t.Fatalf("missing policy file should admit everything: %s", err)
	}
}
