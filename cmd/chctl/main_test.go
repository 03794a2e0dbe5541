package main

import (
	"bytes"
	"testing"
)

func TestRootCmdSubcommands(t *testing.T) {
	cmd := newRootCmd()
	subs := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subs[sub.Name()] = true
	}
	for _, name := range []string{"add", "groups", "events", "watch", "reconcile"} {
		if !subs[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestAddMessageRequiresRemote(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"add", "message", "--text", "hi"})

	if err := root.Execute(); err == nil {
		t.Error("expected error when --remote flag is missing")
	}
}

func TestInvalidProfileRejected(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"groups", "--profile", "Bad/Name"})

	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid profile name")
	}
}
