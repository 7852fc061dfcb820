//go:build linux

// Package supervisor implements the long-lived orchestration loop: it drives
// the three execution-mode state machines, spawns jailed children through
// the re-executed containment helper, drains each child's log pipe, and
// owns the only goroutine that mutates the roster.
package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"corral/internal/childreq"
	"corral/internal/cgroup"
	"corral/internal/config"
	"corral/internal/listener"
	"corral/internal/logsink"
	"corral/internal/netattach"
	"corral/internal/ratelimit"
	"corral/internal/roster"
)

// reapPollInterval bounds how long reap/time-limit enforcement may be
// delayed while nothing else wakes the supervisor loop. The accept
// goroutine and this ticker both feed the same select loop, so reap is
// never starved behind a blocking accept, acting as a self-pipe substitute
// that avoids relying on raw EINTR delivery timing.
const reapPollInterval = 200 * time.Millisecond

// logPipeBuf is the bounded chunk size used when draining a child's log
// pipe.
const logPipeBuf = 4096

// Supervisor owns the roster and drives the spawn/reap/time-limit loop.
type Supervisor struct {
	cfg        *config.JailConfig
	sink       *logsink.Sink
	roster     *roster.Roster
	helperPath string
	rlimits    childreq.Rlimits
}

// New constructs a Supervisor. helperPath is the path to the corral-init
// binary; if empty, it is resolved via PATH at spawn time.
func New(cfg *config.JailConfig, sink *logsink.Sink, helperPath string) *Supervisor {
	if helperPath == "" {
		helperPath = "corral-init"
	}
	return &Supervisor{
		cfg:        cfg,
		sink:       sink,
		roster:     roster.New(),
		helperPath: helperPath,
	}
}

// Run resolves the configured rlimits against the supervisor's own, still
// fully privileged, process before dispatching to the state machine named
// by cfg.Mode. Resolving "max" here, rather than in the re-executed helper
// after it has dropped capabilities, avoids EPERM when a host's real hard
// limit is already finite.
func (s *Supervisor) Run() error {
	rl, err := resolveRlimits(s.cfg.Rlimits)
	if err != nil {
		return fmt.Errorf("resolve rlimits: %w", err)
	}
	s.rlimits = rl

	switch s.cfg.Mode {
	case config.ModeListenTCP:
		return s.runListenTCP()
	case config.ModeStandaloneOnce:
		return s.runStandalone(false)
	case config.ModeStandaloneRerun:
		return s.runStandalone(true)
	default:
		return fmt.Errorf("unknown mode %q", s.cfg.Mode)
	}
}

func (s *Supervisor) runListenTCP() error {
	lst, err := listener.BindAndListen(s.cfg.Port)
	if err != nil {
		return fmt.Errorf("bind_and_listen: %w", err)
	}
	defer lst.Close()

	type acceptResult struct {
		conn *listener.Conn
		err  error
	}
	results := make(chan acceptResult)
	go func() {
		for {
			conn, err := lst.Accept(func(cerr error) {
				s.sink.Warn("cork setsockopt failed", zap.Error(cerr))
			})
			if err == listener.ErrInterrupted {
				continue
			}
			results <- acceptResult{conn, err}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(reapPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			s.roster.KillAll()
			s.drainReapsBestEffort()
			return nil
		case <-ticker.C:
			s.reapNonblocking()
			s.enforceTimeLimits()
		case res := <-results:
			s.reapNonblocking()
			s.enforceTimeLimits()
			if res.err != nil {
				s.sink.Warn("accept failed", zap.Error(res.err))
				continue
			}
			s.admit(res.conn)
		}
	}
}

func (s *Supervisor) admit(conn *listener.Conn) {
	snapshot := s.roster.Snapshot()
	if !ratelimit.Allow(conn.RemoteAddr, snapshot, s.cfg.MaxConnsPerIP) {
		s.sink.Warn("rate limit rejected connection", zap.String("remote", conn.RemoteText))
		_ = conn.File.Close()
		return
	}
	if err := s.spawn(conn.File, conn.File, conn.File, conn.RemoteAddr, conn.RemoteText); err != nil {
		s.sink.Warn("spawn failed", zap.Error(err))
	}
}

func (s *Supervisor) runStandalone(rerun bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fdIn, fdOut, fdErr, err := standaloneStdio(s.cfg.Silent)
	if err != nil {
		return fmt.Errorf("open standalone stdio: %w", err)
	}

	for {
		if err := s.spawn(fdIn, fdOut, fdErr, [16]byte{}, roster.StandaloneSentinel); err != nil {
			return fmt.Errorf("spawn: %w", err)
		}

		for s.roster.Count() > 0 {
			select {
			case <-sigCh:
				s.roster.KillAll()
				s.drainReapsBestEffort()
				return nil
			default:
			}
			s.reapNonblocking()
			s.enforceTimeLimits()
			if s.roster.Count() > 0 {
				time.Sleep(50 * time.Millisecond)
			}
		}

		if !rerun {
			return nil
		}

		select {
		case <-sigCh:
			return nil
		default:
		}
	}
}

func standaloneStdio(silent bool) (*os.File, *os.File, *os.File, error) {
	if !silent {
		return os.Stdin, os.Stdout, os.Stderr, nil
	}
	devnull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	return devnull, devnull, devnull, nil
}

// spawn creates one jailed child end to end: it opens the log pipe, encodes
// the containment request, clones the helper process, wires in networking
// and cgroup accounting, drains the log pipe to EOF, and only then inserts
// the child into the roster.
func (s *Supervisor) spawn(fdIn, fdOut, fdErr *os.File, remoteAddr [16]byte, remoteText string) error {
	logR, logW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create log pipe: %w", err)
	}

	req := s.buildRequest()
	reqJSON, err := json.Marshal(req)
	if err != nil {
		logR.Close()
		logW.Close()
		return fmt.Errorf("encode child request: %w", err)
	}

	cmd := exec.Command(s.helperPath)
	cmd.Stdin = fdIn
	cmd.Stdout = fdOut
	cmd.Stderr = fdErr
	cmd.ExtraFiles = []*os.File{logW}
	cmd.Env = []string{childreq.EnvVar + "=" + string(reqJSON)}
	cmd.SysProcAttr = s.buildSysProcAttr()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		logR.Close()
		logW.Close()
		return fmt.Errorf("clone: %w", err)
	}
	logW.Close()
	pid := cmd.Process.Pid
	// We reap via wait4 ourselves (reap_nonblocking); detach
	// the Go runtime's own Process handle so it never competes for the
	// same wait.
	cmd.Process.Release()

	s.attachNet(pid)
	cgroupPath := s.applyCgroup(pid)

	s.drainLogPipe(pid, logR)
	logR.Close()

	s.roster.Insert(roster.ChildRecord{
		PID:            pid,
		StartedAt:      start,
		RemoteAddr:     remoteAddr,
		RemoteAddrText: remoteText,
		CgroupPath:     cgroupPath,
	})
	return nil
}

func (s *Supervisor) attachNet(pid int) {
	switch {
	case s.cfg.MacvtapIface != "":
		if err := netattach.Attach(netattach.Macvtap, s.cfg.MacvtapIface, pid); err != nil {
			s.sink.Warn("macvtap attach failed", zap.Error(err))
		}
	case s.cfg.MacvlanIface != "":
		if err := netattach.Attach(netattach.Macvlan, s.cfg.MacvlanIface, pid); err != nil {
			s.sink.Warn("macvlan attach failed", zap.Error(err))
		}
	}
}

// applyCgroup creates and populates a per-child cgroup v2 leaf, returning
// its path so the caller can attach it to the roster record for cleanup on
// reap. Returns "" when cgroup accounting is disabled or setup fails.
func (s *Supervisor) applyCgroup(pid int) string {
	if s.cfg.CgroupRoot == "" {
		return ""
	}
	leaf, err := cgroup.Create(s.cfg.CgroupRoot, pid)
	if err != nil {
		s.sink.Warn("cgroup create failed", zap.Error(err))
		return ""
	}
	if err := leaf.ApplyLimits(toChildReqRlimits(s.cfg.Rlimits)); err != nil {
		s.sink.Warn("cgroup apply limits failed", zap.Error(err))
	}
	if err := leaf.AddProcess(pid); err != nil {
		s.sink.Warn("cgroup add process failed", zap.Error(err))
	}
	return leaf.Path
}

func (s *Supervisor) drainLogPipe(pid int, r *os.File) {
	buf := make([]byte, logPipeBuf)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.sink.WriteContainment(pid, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				s.sink.Warn("log pipe read failed", zap.Error(err))
			}
			return
		}
	}
}

// reapNonblocking collects every child that has already exited, without
// blocking if none have.
func (s *Supervisor) reapNonblocking() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			s.sink.Warn("wait4 failed", zap.Error(err))
			return
		}
		if pid <= 0 {
			return
		}
		s.reapOne(pid, status)
	}
}

func (s *Supervisor) reapOne(pid int, status unix.WaitStatus) {
	var rec roster.ChildRecord
	found := false
	for _, r := range s.roster.Snapshot() {
		if r.PID == pid {
			rec = r
			found = true
			break
		}
	}
	if !found {
		s.sink.Warn("reaped unknown pid", zap.Int("pid", pid))
		return
	}
	s.roster.Remove(pid)
	if rec.CgroupPath != "" {
		if err := (&cgroup.Leaf{Path: rec.CgroupPath}).Remove(); err != nil {
			s.sink.Warn("cgroup remove failed", zap.Error(err))
		}
	}
	switch {
	case status.Exited():
		s.sink.Info("child exited", zap.Int("pid", pid), zap.Int("exit_code", status.ExitStatus()))
	case status.Signaled():
		s.sink.Info("child terminated by signal", zap.Int("pid", pid), zap.Int("signal", int(status.Signal())))
	}
}

// enforceTimeLimits kills every child that has run past its wall-clock
// budget.
func (s *Supervisor) enforceTimeLimits() {
	if s.cfg.TimeLimitSec == 0 {
		return
	}
	budget := time.Duration(s.cfg.TimeLimitSec) * time.Second
	for _, rec := range s.roster.Snapshot() {
		if time.Since(rec.StartedAt) >= budget {
			s.sink.Warn("time limit exceeded, killing child", zap.Int("pid", rec.PID))
			// SIGCONT first: a stopped namespaced process will not observe
			// KILL until continued.
			_ = syscall.Kill(rec.PID, syscall.SIGCONT)
			_ = syscall.Kill(rec.PID, syscall.SIGKILL)
		}
	}
}

func (s *Supervisor) drainReapsBestEffort() {
	deadline := time.Now().Add(2 * time.Second)
	for s.roster.Count() > 0 && time.Now().Before(deadline) {
		s.reapNonblocking()
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Supervisor) buildRequest() childreq.Request {
	env := []string{}
	if s.cfg.KeepEnv {
		env = os.Environ()
	}
	bindMounts := make([]childreq.BindMount, 0, len(s.cfg.BindMounts))
	for _, m := range s.cfg.BindMounts {
		bindMounts = append(bindMounts, childreq.BindMount{Source: m.Source, ReadOnly: m.ReadOnly})
	}
	return childreq.Request{
		Chroot:      s.cfg.Chroot,
		Hostname:    s.cfg.Hostname,
		Argv:        s.cfg.Argv,
		Env:         env,
		KeepEnv:     s.cfg.KeepEnv,
		UID:         s.cfg.UID,
		GID:         s.cfg.GID,
		KeepCaps:    s.cfg.KeepCaps,
		RootRW:      s.cfg.RootRW,
		Namespaces: childreq.NamespaceFlags{
			NewNet:  s.cfg.Namespaces.NewNet,
			NewUser: s.cfg.Namespaces.NewUser,
			NewNS:   s.cfg.Namespaces.NewNS,
			NewPID:  s.cfg.Namespaces.NewPID,
			NewIPC:  s.cfg.Namespaces.NewIPC,
			NewUTS:  s.cfg.Namespaces.NewUTS,
		},
		Personality:        s.cfg.Personality,
		Rlimits:            s.rlimits,
		BindMounts:         bindMounts,
		TmpfsMounts:        s.cfg.TmpfsMounts,
		SeccompEnabled:     s.cfg.SeccompEnabled,
		SeccompProfilePath: s.cfg.SeccompProfilePath,
	}
}

// resolveRlimits turns each configured rlimit into a concrete numeric wire
// value for the helper. "max" is resolved to the real current hard limit
// via getrlimit, run here in the supervisor's own process before any
// namespace or capability setup; the helper later runs as an unprivileged
// child and may lack CAP_SYS_RESOURCE, so it must never need to raise a
// limit itself. "def" is left unresolved so the helper knows to leave the
// inherited limit untouched.
func resolveRlimits(r config.Rlimits) (childreq.Rlimits, error) {
	resolve := func(name string, resource int, v config.RlimitValue, unit uint64) (childreq.RlimitValue, error) {
		switch v.Kind {
		case config.RlimitDef:
			return childreq.RlimitValue{Kind: "def"}, nil
		case config.RlimitMax:
			var cur unix.Rlimit
			if err := unix.Getrlimit(resource, &cur); err != nil {
				return childreq.RlimitValue{}, fmt.Errorf("getrlimit %s: %w", name, err)
			}
			return childreq.RlimitValue{Kind: "numeric", Num: cur.Max}, nil
		default:
			return childreq.RlimitValue{Kind: "numeric", Num: v.Num * unit}, nil
		}
	}

	const mb = 1024 * 1024
	var out childreq.Rlimits
	var err error
	if out.AS, err = resolve("as", unix.RLIMIT_AS, r.AS, mb); err != nil {
		return out, err
	}
	if out.Core, err = resolve("core", unix.RLIMIT_CORE, r.Core, mb); err != nil {
		return out, err
	}
	if out.CPU, err = resolve("cpu", unix.RLIMIT_CPU, r.CPU, 1); err != nil {
		return out, err
	}
	if out.FSize, err = resolve("fsize", unix.RLIMIT_FSIZE, r.FSize, mb); err != nil {
		return out, err
	}
	if out.NoFile, err = resolve("nofile", unix.RLIMIT_NOFILE, r.NoFile, 1); err != nil {
		return out, err
	}
	if out.NProc, err = resolve("nproc", unix.RLIMIT_NPROC, r.NProc, 1); err != nil {
		return out, err
	}
	if out.Stack, err = resolve("stack", unix.RLIMIT_STACK, r.Stack, mb); err != nil {
		return out, err
	}
	return out, nil
}

// toChildReqRlimits converts each configured rlimit into the wire shape
// without resolving "max", for the cgroup mirror below: cgroup.ApplyLimits
// already treats anything other than a numeric value as unlimited, and it
// does its own MB-to-bytes scaling, so no unit conversion happens here.
func toChildReqRlimits(r config.Rlimits) childreq.Rlimits {
	conv := func(v config.RlimitValue) childreq.RlimitValue {
		switch v.Kind {
		case config.RlimitMax:
			return childreq.RlimitValue{Kind: "max"}
		case config.RlimitDef:
			return childreq.RlimitValue{Kind: "def"}
		default:
			return childreq.RlimitValue{Kind: "numeric", Num: v.Num}
		}
	}
	return childreq.Rlimits{
		AS:     conv(r.AS),
		Core:   conv(r.Core),
		CPU:    conv(r.CPU),
		FSize:  conv(r.FSize),
		NoFile: conv(r.NoFile),
		NProc:  conv(r.NProc),
		Stack:  conv(r.Stack),
	}
}

// buildSysProcAttr assembles the clone flags (the union of requested
// namespace flags) and, when a user namespace is requested, the uid/gid
// mapping applied atomically by the kernel at clone time, the
// Go-runtime-safe equivalent of the child writing its own
// uid_map/gid_map after an unshare(CLONE_NEWUSER).
func (s *Supervisor) buildSysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
	var flags uintptr
	ns := s.cfg.Namespaces
	if ns.NewNet {
		flags |= unix.CLONE_NEWNET
	}
	if ns.NewUser {
		flags |= unix.CLONE_NEWUSER
	}
	if ns.NewNS {
		flags |= unix.CLONE_NEWNS
	}
	if ns.NewPID {
		flags |= unix.CLONE_NEWPID
	}
	if ns.NewIPC {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.NewUTS {
		flags |= unix.CLONE_NEWUTS
	}
	attr.Cloneflags = flags

	if ns.NewUser {
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: s.cfg.UID, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: s.cfg.GID, HostID: os.Getgid(), Size: 1}}
	}
	return attr
}
