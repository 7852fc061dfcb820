//go:build linux

// corral-init is the re-executed containment helper. The supervisor never
// runs containment code in its own process image, since Go's runtime is not
// fork-safe once goroutines exist. Instead it clones a fresh process with the
// requested namespace flags and re-execs this binary into it. Configuration
// arrives as a single JSON blob in the CORRAL_CHILD_REQUEST environment
// variable; the target's stdin/stdout/stderr are already fds 0/1/2 (the
// supervisor wired them before Start), and fd 3 is the write end of a
// close-on-exec log pipe used both to forward diagnostic bytes and, via its
// own closure, to signal the parent that exec was reached.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unsafe"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"corral/internal/childreq"
)

// logFD is the fixed descriptor number of the log pipe's write end: fd 3,
// immediately after the inherited stdio trio.
const logFD = 3

// lastCapability is CAP_LAST_CAP on any kernel this tool targets (5.x+).
const lastCapability = 40

func main() {
	req, err := loadRequest()
	if err != nil {
		fatal(err)
	}
	if err := contain(req); err != nil {
		fatal(err)
	}
	// contain only returns on success by execing into the target; reaching
	// here means unix.Exec itself failed (e.g. target missing).
}

func fatal(err error) {
	msg := err.Error() + "\n"
	if f := os.NewFile(logFD, "log"); f != nil {
		_, _ = f.WriteString(msg)
	} else {
		_, _ = fmt.Fprint(os.Stderr, msg)
	}
	os.Exit(1)
}

func loadRequest() (childreq.Request, error) {
	raw := os.Getenv(childreq.EnvVar)
	if raw == "" {
		return childreq.Request{}, fmt.Errorf("%s not set", childreq.EnvVar)
	}
	var req childreq.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return childreq.Request{}, fmt.Errorf("decode child request: %w", err)
	}
	if len(req.Argv) == 0 {
		return childreq.Request{}, fmt.Errorf("argv is required")
	}
	return req, nil
}

// contain runs the full ordered containment sequence and, on success, never
// returns: it execs into the target command.
func contain(req childreq.Request) error {
	if err := applyHostnameAndPersonality(req); err != nil {
		return err
	}
	if err := applyMounts(req); err != nil {
		return err
	}
	if err := dropPrivileges(req); err != nil {
		return err
	}
	if err := applyRlimits(req.Rlimits); err != nil {
		return err
	}
	if err := markExtraFDsCloseOnExec(); err != nil {
		return err
	}
	if req.SeccompEnabled {
		if err := applySeccomp(req.SeccompProfilePath); err != nil {
			return err
		}
	}
	return execTarget(req)
}

func applyHostnameAndPersonality(req childreq.Request) error {
	if req.Namespaces.NewUTS && req.Hostname != "" {
		if err := unix.Sethostname([]byte(req.Hostname)); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	}
	if req.Personality != 0 {
		if _, _, errno := unix.Syscall(unix.SYS_PERSONALITY, uintptr(req.Personality), 0, 0); errno != 0 {
			return fmt.Errorf("set personality: %w", errno)
		}
	}
	return nil
}

func applyMounts(req childreq.Request) error {
	if req.Chroot == "" && len(req.BindMounts) == 0 && len(req.TmpfsMounts) == 0 {
		return nil
	}
	if !req.Namespaces.NewNS {
		return fmt.Errorf("chroot/bind mounts/tmpfs mounts requested without a mount namespace")
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount tree private: %w", err)
	}

	for _, m := range req.BindMounts {
		target := m.Source
		if req.Chroot != "" {
			target = filepath.Join(req.Chroot, m.Source)
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Source, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s read-only: %w", m.Source, err)
			}
		}
	}

	for _, t := range req.TmpfsMounts {
		target := t
		if req.Chroot != "" {
			target = filepath.Join(req.Chroot, t)
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir tmpfs target %s: %w", t, err)
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
			return fmt.Errorf("mount tmpfs at %s: %w", t, err)
		}
	}

	if req.Chroot != "" {
		if req.Namespaces.NewPID {
			procPath := filepath.Join(req.Chroot, "proc")
			if err := os.MkdirAll(procPath, 0755); err != nil {
				return fmt.Errorf("mkdir proc: %w", err)
			}
			if err := unix.Mount("proc", procPath, "proc", 0, ""); err != nil {
				return fmt.Errorf("mount proc: %w", err)
			}
		}
		if err := unix.Chroot(req.Chroot); err != nil {
			return fmt.Errorf("chroot %s: %w", req.Chroot, err)
		}
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if req.Chroot != "" && !req.RootRW {
		if err := unix.Mount("", "/", "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("remount root read-only: %w", err)
		}
	}
	return nil
}

// dropPrivileges implements the user/group/capability half of containment.
// The uid/gid namespace mapping itself was already established by the
// supervisor at clone time (SysProcAttr.UidMappings/GidMappings); the
// explicit Setgid/Setuid calls here confirm the process presents as the
// configured in-container identity rather than whatever it inherited.
func dropPrivileges(req childreq.Request) error {
	if req.Namespaces.NewUser || req.GID != 0 {
		if err := unix.Setgid(req.GID); err != nil {
			return fmt.Errorf("setgid %d: %w", req.GID, err)
		}
	}
	if req.Namespaces.NewUser || req.UID != 0 {
		if err := unix.Setuid(req.UID); err != nil {
			return fmt.Errorf("setuid %d: %w", req.UID, err)
		}
	}
	if !req.KeepCaps {
		if err := dropAllCapabilities(); err != nil {
			return fmt.Errorf("drop capabilities: %w", err)
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	return nil
}

// dropAllCapabilities clears the bounding set and all three capability sets.
// No library in the retrieved corpus wraps capset(2)/capbset_drop, so this
// uses raw unix.Prctl/unix.Syscall calls, matching the existing
// PR_SET_NO_NEW_PRIVS call made the same way elsewhere in this helper.
func dropAllCapabilities() error {
	for c := uintptr(0); c <= lastCapability; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, c, 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				break
			}
			return fmt.Errorf("PR_CAPBSET_DROP %d: %w", c, err)
		}
	}

	type capHeader struct {
		version uint32
		pid     int32
	}
	type capData struct {
		effective   uint32
		permitted   uint32
		inheritable uint32
	}
	const linuxCapabilityVersion3 = 0x20080522

	hdr := capHeader{version: linuxCapabilityVersion3, pid: 0}
	data := [2]capData{}
	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// applyRlimits sets every rlimit already resolved to a concrete wire value
// by the supervisor. "max" is resolved there, before capabilities are
// dropped; by the time this runs the child may have already lost
// CAP_SYS_RESOURCE, so it only ever sets limits it was handed as numbers.
func applyRlimits(rl childreq.Rlimits) error {
	apply := func(resource int, v childreq.RlimitValue) error {
		if v.Kind != "numeric" {
			return nil // "def": leave the inherited limit untouched
		}
		return unix.Setrlimit(resource, &unix.Rlimit{Cur: v.Num, Max: v.Num})
	}
	if err := apply(unix.RLIMIT_AS, rl.AS); err != nil {
		return fmt.Errorf("rlimit as: %w", err)
	}
	if err := apply(unix.RLIMIT_CORE, rl.Core); err != nil {
		return fmt.Errorf("rlimit core: %w", err)
	}
	if err := apply(unix.RLIMIT_CPU, rl.CPU); err != nil {
		return fmt.Errorf("rlimit cpu: %w", err)
	}
	if err := apply(unix.RLIMIT_FSIZE, rl.FSize); err != nil {
		return fmt.Errorf("rlimit fsize: %w", err)
	}
	if err := apply(unix.RLIMIT_NOFILE, rl.NoFile); err != nil {
		return fmt.Errorf("rlimit nofile: %w", err)
	}
	if err := apply(unix.RLIMIT_NPROC, rl.NProc); err != nil {
		return fmt.Errorf("rlimit nproc: %w", err)
	}
	if err := apply(unix.RLIMIT_STACK, rl.Stack); err != nil {
		return fmt.Errorf("rlimit stack: %w", err)
	}
	return nil
}

// markExtraFDsCloseOnExec marks every open descriptor above stderr
// close-on-exec, including the log pipe at fd 3. This is what turns a
// successful final exec into an EOF on the supervisor's read end of that
// pipe, which is the signal that containment reached the target command.
func markExtraFDsCloseOnExec() error {
	for fd := logFD; fd < logFD+32; fd++ {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			continue
		}
		unix.CloseOnExec(fd)
	}
	return nil
}

func execTarget(req childreq.Request) error {
	var env []string
	if req.KeepEnv {
		env = req.Env
	}
	path, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command %q: %w", req.Argv[0], err)
	}
	return unix.Exec(path, req.Argv, env)
}

// --- seccomp -----------------------------------------------------------

type seccompPolicy struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// defaultDenylist is the built-in policy used when no profile path is
// given: allow everything except a short list of operations that would
// otherwise let a jailed process escape or disturb the host.
var defaultDenylist = []string{
	"ptrace", "mount", "umount2", "pivot_root", "reboot",
	"kexec_load", "init_module", "delete_module",
	"swapon", "swapoff", "acct", "settimeofday", "clock_settime",
}

func applySeccomp(profilePath string) error {
	policy, err := loadSeccompPolicy(profilePath)
	if err != nil {
		return err
	}
	defaultAction, err := parseSeccompAction(policy.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range policy.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			if err := filter.AddRuleExact(name, action); err != nil {
				return fmt.Errorf("add seccomp rule for %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func loadSeccompPolicy(profilePath string) (seccompPolicy, error) {
	if profilePath == "" {
		return seccompPolicy{
			DefaultAction: "SCMP_ACT_ALLOW",
			Syscalls: []seccompSyscall{
				{Names: defaultDenylist, Action: "SCMP_ACT_KILL"},
			},
		}, nil
	}
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return seccompPolicy{}, fmt.Errorf("read seccomp profile: %w", err)
	}
	var policy seccompPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return seccompPolicy{}, fmt.Errorf("parse seccomp profile: %w", err)
	}
	return policy, nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
