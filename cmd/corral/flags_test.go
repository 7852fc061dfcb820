package main

import (
	"errors"
	"testing"

	"corral/internal/config"
)

func TestParseFlagsSplitsCommandAfterDoubleDash(t *testing.T) {
	f, command, err := parseFlags([]string{"-M", "o", "--", "/bin/echo", "hi"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	if f.mode != "o" {
		t.Fatalf("mode = %q, want %q", f.mode, "o")
	}
	if len(command) != 2 || command[0] != "/bin/echo" || command[1] != "hi" {
		t.Fatalf("command = %v, want [/bin/echo hi]", command)
	}
}

func TestParseFlagsHelp(t *testing.T) {
	_, _, err := parseFlags([]string{"--help"})
	if !errors.Is(err, flagHelpRequested) {
		t.Fatalf("expected flagHelpRequested, got %v", err)
	}
}

func TestToJailConfigRejectsUnknownMode(t *testing.T) {
	f, _, err := parseFlags([]string{"-M", "z", "--", "/bin/true"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	if _, err := f.toJailConfig([]string{"/bin/true"}); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestToJailConfigDefaults(t *testing.T) {
	f, command, err := parseFlags([]string{"--", "/bin/true"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	cfg, err := f.toJailConfig(command)
	if err != nil {
		t.Fatalf("toJailConfig: unexpected error: %v", err)
	}
	if cfg.Mode != config.ModeListenTCP {
		t.Fatalf("default mode = %q, want %q", cfg.Mode, config.ModeListenTCP)
	}
	if !cfg.Namespaces.NewNet || !cfg.Namespaces.NewUser || !cfg.Namespaces.NewNS ||
		!cfg.Namespaces.NewPID || !cfg.Namespaces.NewIPC || !cfg.Namespaces.NewUTS {
		t.Fatalf("expected all namespaces enabled by default, got %+v", cfg.Namespaces)
	}
	if !cfg.SeccompEnabled {
		t.Fatal("expected seccomp enabled by default")
	}
}

func TestToJailConfigVerboseForcesDebugLogLevel(t *testing.T) {
	f, command, err := parseFlags([]string{"-M", "o", "-v", "--", "/bin/true"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	cfg, err := f.toJailConfig(command)
	if err != nil {
		t.Fatalf("toJailConfig: unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug when verbose is set", cfg.LogLevel)
	}
}

func TestToJailConfigDisableFlagsInvertNamespace(t *testing.T) {
	f, command, err := parseFlags([]string{
		"-M", "o", "--disable_clone_newnet", "--disable_clone_newpid", "--", "/bin/true",
	})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	cfg, err := f.toJailConfig(command)
	if err != nil {
		t.Fatalf("toJailConfig: unexpected error: %v", err)
	}
	if cfg.Namespaces.NewNet || cfg.Namespaces.NewPID {
		t.Fatalf("expected NewNet and NewPID disabled, got %+v", cfg.Namespaces)
	}
	if !cfg.Namespaces.NewUser || !cfg.Namespaces.NewNS {
		t.Fatalf("expected unrelated namespaces unaffected, got %+v", cfg.Namespaces)
	}
}

func TestToJailConfigBindMountsDefaultReadOnly(t *testing.T) {
	f, command, err := parseFlags([]string{
		"-M", "o", "-B", "/usr", "-B", "/lib", "--", "/bin/true",
	})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	cfg, err := f.toJailConfig(command)
	if err != nil {
		t.Fatalf("toJailConfig: unexpected error: %v", err)
	}
	if len(cfg.BindMounts) != 2 {
		t.Fatalf("BindMounts = %+v, want 2 entries", cfg.BindMounts)
	}
	for _, bm := range cfg.BindMounts {
		if !bm.ReadOnly {
			t.Fatalf("bind mount %+v should default to read-only", bm)
		}
	}
}

func TestToJailConfigRejectsBadRlimit(t *testing.T) {
	f, command, err := parseFlags([]string{"-M", "o", "--rlimit_as", "not-a-number", "--", "/bin/true"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	if _, err := f.toJailConfig(command); err == nil {
		t.Fatal("expected error for malformed rlimit_as value")
	}
}

func TestToJailConfigRequiresPortInListenMode(t *testing.T) {
	f, command, err := parseFlags([]string{"--port", "0", "--", "/bin/true"})
	if err != nil {
		t.Fatalf("parseFlags: unexpected error: %v", err)
	}
	if _, err := f.toJailConfig(command); err == nil {
		t.Fatal("expected validation error for port 0 in listen_tcp mode")
	}
}
