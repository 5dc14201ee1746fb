package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jmylchreest/alita/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "alita ") {
		t.Errorf("output = %q, want alita version line", out.String())
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "fetch", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if root.Flags().Lookup("port") == nil {
		t.Error("root command must accept serve flags")
	}
}

func TestFetchCommand_RequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"fetch"})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Error("Execute() error = nil, want missing argument error")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ALITA_PORT", "4000")
	t.Setenv("LOG_LEVEL", "info")

	cfg, err := loadConfig(&globalFlags{logLevel: "debug"}, func(c *config.Config) { c.Port = 5001 })
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Port != 5001 {
		t.Errorf("Port = %d, want 5001", cfg.Port)
	}

	if _, err := loadConfig(&globalFlags{logFormat: "xml"}, nil); err == nil {
		t.Error("loadConfig() accepted an invalid log format")
	}
}

func TestFetchCommand_BlockKeepsCommas(t *testing.T) {
	cmd := newFetchCmd(&globalFlags{})
	err := cmd.ParseFlags([]string{"--block", "a, b", "--block", `[data-x="a,b"]`})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	got, err := cmd.Flags().GetStringArray("block")
	if err != nil {
		t.Fatalf("GetStringArray() error = %v", err)
	}
	want := []string{"a, b", `[data-x="a,b"]`}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("block = %q, want %q", got, want)
	}
}
