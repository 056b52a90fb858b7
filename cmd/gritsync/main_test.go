package main

import (
	"testing"

	"gritsync/internal/hostctx"
)

func TestSplitRemoteArgParsesUserHostAndPath(t *testing.T) {
	sshTarget, remotePath, err := splitRemoteArg("alice@example.com:/srv/project")
	if err != nil {
		t.Fatalf("splitRemoteArg() error: %v", err)
	}
	if sshTarget != "alice@example.com" || remotePath != "/srv/project" {
		t.Errorf("splitRemoteArg() = (%q, %q), want (%q, %q)", sshTarget, remotePath, "alice@example.com", "/srv/project")
	}
}

func TestSplitRemoteArgRejectsMissingColon(t *testing.T) {
	if _, _, err := splitRemoteArg("alice@example.com"); err == nil {
		t.Error("splitRemoteArg() with no colon should error")
	}
}

func TestSplitRemoteArgRejectsEmptyPath(t *testing.T) {
	if _, _, err := splitRemoteArg("alice@example.com:"); err == nil {
		t.Error("splitRemoteArg() with empty remote path should error")
	}
}

func TestSplitRemoteArgRejectsEmptyHost(t *testing.T) {
	if _, _, err := splitRemoteArg(":/srv/project"); err == nil {
		t.Error("splitRemoteArg() with empty ssh target should error")
	}
}

func TestOSKindFromUnameOutput(t *testing.T) {
	cases := map[string]hostctx.OSKind{
		"Linux\n":  hostctx.OSLinux,
		"Darwin\n": hostctx.OSDarwin,
		"Windows\n": hostctx.OSWindows,
		"":         hostctx.OSLinux,
	}
	for uname, want := range cases {
		if got := osKindFromUnameOutput(uname); got != want {
			t.Errorf("osKindFromUnameOutput(%q) = %v, want %v", uname, got, want)
		}
	}
}
