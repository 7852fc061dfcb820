package config_test

import (
	"testing"

	"corral/internal/config"
)

func TestParseRlimitSymbolic(t *testing.T) {
	for _, arg := range []string{"max", "def"} {
		v, err := config.ParseRlimit("as", arg)
		if err != nil {
			t.Fatalf("ParseRlimit(%q): unexpected error: %v", arg, err)
		}
		if arg == "max" && v.Kind != config.RlimitMax {
			t.Fatalf("ParseRlimit(%q): expected RlimitMax, got %v", arg, v.Kind)
		}
		if arg == "def" && v.Kind != config.RlimitDef {
			t.Fatalf("ParseRlimit(%q): expected RlimitDef, got %v", arg, v.Kind)
		}
	}
}

func TestParseRlimitNumeric(t *testing.T) {
	cases := []struct {
		arg     string
		wantNum uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"128", 128, false},
		{"0x10", 16, false},
		{"010", 8, false},
		{"12x", 0, true},
		{"-1", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		v, err := config.ParseRlimit("nofile", c.arg)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseRlimit(%q): expected error, got none", c.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRlimit(%q): unexpected error: %v", c.arg, err)
			continue
		}
		if v.Kind != config.RlimitNumeric || v.Num != c.wantNum {
			t.Errorf("ParseRlimit(%q) = %+v, want numeric %d", c.arg, v, c.wantNum)
		}
	}
}

func TestUnitKnownAndUnknownResources(t *testing.T) {
	if got := config.Unit("as"); got != 1024*1024 {
		t.Errorf("Unit(as) = %d, want %d", got, 1024*1024)
	}
	if got := config.Unit("cpu"); got != 1 {
		t.Errorf("Unit(cpu) = %d, want 1", got)
	}
	if got := config.Unit("nonsense"); got != 1 {
		t.Errorf("Unit(nonsense) = %d, want fallback 1", got)
	}
}

func TestValidateRequiresArgv(t *testing.T) {
	cfg := &config.JailConfig{Mode: config.ModeStandaloneOnce}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty argv")
	}
	cfg.Argv = []string{"/bin/true"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequiresPortInListenMode(t *testing.T) {
	cfg := &config.JailConfig{Mode: config.ModeListenTCP, Argv: []string{"/bin/true"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing port in listen_tcp mode")
	}
	cfg.Port = 8080
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveUserNumeric(t *testing.T) {
	uid, err := config.ResolveUser("1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != 1000 {
		t.Fatalf("ResolveUser(1000) = %d, want 1000", uid)
	}
}

func TestResolveGroupNumeric(t *testing.T) {
	gid, err := config.ResolveGroup("1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gid != 1000 {
		t.Fatalf("ResolveGroup(1000) = %d, want 1000", gid)
	}
}

func TestResolveUserUnknownName(t *testing.T) {
	if _, err := config.ResolveUser("no-such-user-corral-test"); err == nil {
		t.Fatal("expected error resolving a nonexistent user name")
	}
}

func TestDefaultRlimitsShape(t *testing.T) {
	d := config.DefaultRlimits()
	if d.AS.Kind != config.RlimitNumeric || d.AS.Num != 512 {
		t.Errorf("default AS = %+v, want numeric 512", d.AS)
	}
	if d.NProc.Kind != config.RlimitDef {
		t.Errorf("default NProc = %+v, want RlimitDef", d.NProc)
	}
	if d.Stack.Kind != config.RlimitDef {
		t.Errorf("default Stack = %+v, want RlimitDef", d.Stack)
	}
}
