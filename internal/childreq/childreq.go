// Package childreq defines the wire structure handed from the supervisor to
// the re-executed containment helper (cmd/corral-init). Because the jail
// configuration never varies across spawns in one run, the same encoded
// request is reused for every child; only the live fds differ, and those
// travel as real descriptors (0/1/2 plus the ExtraFiles log pipe), never
// through JSON.
package childreq

// EnvVar is the environment variable carrying the base64-free JSON request.
const EnvVar = "CORRAL_CHILD_REQUEST"

// RlimitValue mirrors config.RlimitValue without importing the config
// package's CLI-facing types, keeping the wire format independent of flag
// parsing.
type RlimitValue struct {
	Kind string `json:"kind"` // "numeric", "max", "def"
	Num  uint64 `json:"num"`
}

type Rlimits struct {
	AS     RlimitValue `json:"as"`
	Core   RlimitValue `json:"core"`
	CPU    RlimitValue `json:"cpu"`
	FSize  RlimitValue `json:"fsize"`
	NoFile RlimitValue `json:"nofile"`
	NProc  RlimitValue `json:"nproc"`
	Stack  RlimitValue `json:"stack"`
}

type BindMount struct {
	Source   string `json:"source"`
	ReadOnly bool   `json:"read_only"`
}

type NamespaceFlags struct {
	NewNet  bool `json:"new_net"`
	NewUser bool `json:"new_user"`
	NewNS   bool `json:"new_ns"`
	NewPID  bool `json:"new_pid"`
	NewIPC  bool `json:"new_ipc"`
	NewUTS  bool `json:"new_uts"`
}

// Request is the full containment request consumed by the corral-init
// helper.
type Request struct {
	Chroot      string         `json:"chroot"`
	Hostname    string         `json:"hostname"`
	Argv        []string       `json:"argv"`
	Env         []string       `json:"env"`
	KeepEnv     bool           `json:"keep_env"`
	UID         int            `json:"uid"`
	GID         int            `json:"gid"`
	KeepCaps    bool           `json:"keep_caps"`
	RootRW      bool           `json:"root_rw"`
	Namespaces  NamespaceFlags `json:"namespaces"`
	Personality uint           `json:"personality"`
	Rlimits     Rlimits        `json:"rlimits"`
	BindMounts  []BindMount    `json:"bind_mounts"`
	TmpfsMounts []string       `json:"tmpfs_mounts"`

	SeccompEnabled     bool   `json:"seccomp_enabled"`
	SeccompProfilePath string `json:"seccomp_profile_path"`
}
