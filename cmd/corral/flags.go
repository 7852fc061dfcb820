package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"corral/internal/config"
)

const usageHeader = `corral - a process jail

Usage:
  corral [options] -- <command> [args...]

The "--" separator delimits jail options from the target command.
`

type cliFlags struct {
	mode           string
	chroot         string
	userSpec       string
	groupSpec      string
	hostname       string
	port           uint16
	maxConnsPerIP  uint
	logPath        string
	logLevel       string
	logFormat      string
	timeLimit      int64
	daemon         bool
	verbose        bool
	keepEnv        bool
	keepCaps       bool
	rw             bool
	silent         bool
	disableSandbox bool

	rlimitAS     string
	rlimitCore   string
	rlimitCPU    string
	rlimitFSize  string
	rlimitNofile string
	rlimitNproc  string
	rlimitStack  string

	personaAddrCompatLayout bool
	personaMmapPageZero     bool
	personaReadImpliesExec  bool
	personaAddrLimit3GB     bool
	personaAddrNoRandomize  bool

	disableNewNet  bool
	disableNewUser bool
	disableNewNS   bool
	disableNewPID  bool
	disableNewIPC  bool
	disableNewUTS  bool

	bindmounts  []string
	tmpfsmounts []string

	macvtap string
	macvlan string

	cgroupRoot string

	seccompProfile string

	help bool

	fs *pflag.FlagSet
}

func parseFlags(args []string) (*cliFlags, []string, error) {
	fs := pflag.NewFlagSet("corral", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { printUsage(fs) }

	f := &cliFlags{fs: fs}
	fs.StringVarP(&f.mode, "mode", "M", "l", "execution mode: l (listen_tcp), o (standalone_once), r (standalone_rerun)")
	fs.StringVarP(&f.chroot, "chroot", "c", "/chroot", "jail root source")
	fs.StringVarP(&f.userSpec, "user", "u", "nobody", "inner uid (name or numeric)")
	fs.StringVarP(&f.groupSpec, "group", "g", "nobody", "inner gid (name or numeric)")
	fs.StringVarP(&f.hostname, "hostname", "H", "NSJAIL", "inner UTS hostname")
	fs.Uint16VarP(&f.port, "port", "p", 31337, "listen port (listen_tcp mode only)")
	fs.UintVarP(&f.maxConnsPerIP, "max_conns_per_ip", "i", 0, "per-remote-IP concurrency cap (0 = unlimited)")
	fs.StringVarP(&f.logPath, "log", "l", "", "log sink path (default stderr)")
	fs.StringVar(&f.logLevel, "log_level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log_format", "console", "log format: json, console")
	fs.Int64VarP(&f.timeLimit, "time_limit", "t", 600, "per-child wall clock limit in seconds (0 = unlimited)")
	fs.BoolVarP(&f.daemon, "daemon", "d", false, "detach after start")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	fs.BoolVarP(&f.keepEnv, "keep_env", "e", false, "pass the parent environment through to the jailed command")
	fs.BoolVar(&f.keepCaps, "keep_caps", false, "do not drop capabilities")
	fs.BoolVar(&f.rw, "rw", false, "mount the jail root read-write")
	fs.BoolVar(&f.silent, "silent", false, "redirect child stdio to /dev/null")
	fs.BoolVar(&f.disableSandbox, "disable_sandbox", false, "skip the seccomp-bpf filter")
	fs.StringVar(&f.seccompProfile, "seccomp_profile", "", "path to a JSON seccomp syscall policy")

	fs.StringVar(&f.rlimitAS, "rlimit_as", "512", "RLIMIT_AS in MB, 'max', or 'def'")
	fs.StringVar(&f.rlimitCore, "rlimit_core", "0", "RLIMIT_CORE in MB, 'max', or 'def'")
	fs.StringVar(&f.rlimitCPU, "rlimit_cpu", "600", "RLIMIT_CPU in seconds, 'max', or 'def'")
	fs.StringVar(&f.rlimitFSize, "rlimit_fsize", "1", "RLIMIT_FSIZE in MB, 'max', or 'def'")
	fs.StringVar(&f.rlimitNofile, "rlimit_nofile", "32", "RLIMIT_NOFILE count, 'max', or 'def'")
	fs.StringVar(&f.rlimitNproc, "rlimit_nproc", "def", "RLIMIT_NPROC count, 'max', or 'def'")
	fs.StringVar(&f.rlimitStack, "rlimit_stack", "def", "RLIMIT_STACK in MB, 'max', or 'def'")

	fs.BoolVar(&f.personaAddrCompatLayout, "persona_addr_compat_layout", false, "ADDR_COMPAT_LAYOUT personality bit")
	fs.BoolVar(&f.personaMmapPageZero, "persona_mmap_page_zero", false, "MMAP_PAGE_ZERO personality bit")
	fs.BoolVar(&f.personaReadImpliesExec, "persona_read_implies_exec", false, "READ_IMPLIES_EXEC personality bit")
	fs.BoolVar(&f.personaAddrLimit3GB, "persona_addr_limit_3gb", false, "ADDR_LIMIT_3GB personality bit")
	fs.BoolVar(&f.personaAddrNoRandomize, "persona_addr_no_randomize", false, "ADDR_NO_RANDOMIZE personality bit")

	fs.BoolVarP(&f.disableNewNet, "disable_clone_newnet", "N", false, "do not create a new network namespace")
	fs.BoolVar(&f.disableNewUser, "disable_clone_newuser", false, "do not create a new user namespace")
	fs.BoolVar(&f.disableNewNS, "disable_clone_newns", false, "do not create a new mount namespace")
	fs.BoolVar(&f.disableNewPID, "disable_clone_newpid", false, "do not create a new pid namespace")
	fs.BoolVar(&f.disableNewIPC, "disable_clone_newipc", false, "do not create a new ipc namespace")
	fs.BoolVar(&f.disableNewUTS, "disable_clone_newuts", false, "do not create a new uts namespace")

	fs.StringArrayVarP(&f.bindmounts, "bindmount", "B", nil, "read-only bind mount source (repeatable)")
	fs.StringArrayVarP(&f.tmpfsmounts, "tmpfsmount", "T", nil, "tmpfs mount target (repeatable)")

	fs.StringVar(&f.macvtap, "net_macvtap", "", "host interface to create a macvtap (vt0) link from")
	fs.StringVar(&f.macvlan, "net_macvlan", "", "host interface to create a macvlan (vl0) link from")

	fs.StringVar(&f.cgroupRoot, "cgroup_root", "", "cgroup v2 root under which to create a per-child leaf (empty disables cgroup accounting)")

	fs.BoolVarP(&f.help, "help", "h", false, "print this help and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if f.help {
		printUsage(fs)
		return f, nil, flagHelpRequested
	}
	return f, fs.Args(), nil
}

var flagHelpRequested = fmt.Errorf("help requested")

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, usageHeader)
	fs.PrintDefaults()
}

// toJailConfig resolves every flag into the immutable JailConfig, including
// uid/gid lookups and rlimit parsing. Command is everything after "--".
func (f *cliFlags) toJailConfig(command []string) (*config.JailConfig, error) {
	uid, err := config.ResolveUser(f.userSpec)
	if err != nil {
		return nil, err
	}
	gid, err := config.ResolveGroup(f.groupSpec)
	if err != nil {
		return nil, err
	}

	mode := config.Mode(f.mode)
	switch mode {
	case config.ModeListenTCP, config.ModeStandaloneOnce, config.ModeStandaloneRerun:
	default:
		return nil, fmt.Errorf("invalid mode %q: must be one of l, o, r", f.mode)
	}

	rlimits, err := parseRlimits(f)
	if err != nil {
		return nil, err
	}

	var personality uint
	if f.personaAddrCompatLayout {
		personality |= config.PersonaAddrCompatLayout
	}
	if f.personaMmapPageZero {
		personality |= config.PersonaMmapPageZero
	}
	if f.personaReadImpliesExec {
		personality |= config.PersonaReadImpliesExec
	}
	if f.personaAddrLimit3GB {
		personality |= config.PersonaAddrLimit3GB
	}
	if f.personaAddrNoRandomize {
		personality |= config.PersonaAddrNoRandomize
	}

	bindMounts := make([]config.BindMount, 0, len(f.bindmounts))
	for _, src := range f.bindmounts {
		bindMounts = append(bindMounts, config.BindMount{Source: src, ReadOnly: true})
	}

	cfg := &config.JailConfig{
		Mode:          mode,
		Chroot:        f.chroot,
		Hostname:      f.hostname,
		Argv:          command,
		KeepEnv:       f.keepEnv,
		UID:           uid,
		GID:           gid,
		Port:          f.port,
		MaxConnsPerIP: f.maxConnsPerIP,
		TimeLimitSec:  f.timeLimit,
		Daemonize:     f.daemon,
		Verbose:       f.verbose,
		KeepCaps:      f.keepCaps,
		RootRW:        f.rw,
		Silent:        f.silent,
		Namespaces: config.NamespaceFlags{
			NewNet:  !f.disableNewNet,
			NewUser: !f.disableNewUser,
			NewNS:   !f.disableNewNS,
			NewPID:  !f.disableNewPID,
			NewIPC:  !f.disableNewIPC,
			NewUTS:  !f.disableNewUTS,
		},
		SeccompEnabled:     !f.disableSandbox,
		SeccompProfilePath: f.seccompProfile,
		Personality:        personality,
		Rlimits:            rlimits,
		MacvtapIface:       f.macvtap,
		MacvlanIface:       f.macvlan,
		BindMounts:         bindMounts,
		TmpfsMounts:        f.tmpfsmounts,
		LogPath:            f.logPath,
		LogLevel:           f.logLevel,
		LogFormat:          f.logFormat,
		CgroupRoot:         f.cgroupRoot,
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseRlimits(f *cliFlags) (config.Rlimits, error) {
	var r config.Rlimits
	var err error
	if r.AS, err = config.ParseRlimit("as", f.rlimitAS); err != nil {
		return r, err
	}
	if r.Core, err = config.ParseRlimit("core", f.rlimitCore); err != nil {
		return r, err
	}
	if r.CPU, err = config.ParseRlimit("cpu", f.rlimitCPU); err != nil {
		return r, err
	}
	if r.FSize, err = config.ParseRlimit("fsize", f.rlimitFSize); err != nil {
		return r, err
	}
	if r.NoFile, err = config.ParseRlimit("nofile", f.rlimitNofile); err != nil {
		return r, err
	}
	if r.NProc, err = config.ParseRlimit("nproc", f.rlimitNproc); err != nil {
		return r, err
	}
	if r.Stack, err = config.ParseRlimit("stack", f.rlimitStack); err != nil {
		return r, err
	}
	return r, nil
}
