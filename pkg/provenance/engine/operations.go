package engine

import (
	"strings"

	"golang.org/x/sys/unix"
)

// open(2) flags.
const (
	oWRONLY = unix.O_WRONLY
	oRDWR   = unix.O_RDWR
	oCREAT  = unix.O_CREAT
	oTRUNC  = unix.O_TRUNC
	oAPPEND = unix.O_APPEND
)

const (
	mapAnonymous = unix.MAP_ANONYMOUS

	fDUPFD        = unix.F_DUPFD
	fSETFL        = unix.F_SETFL
	fDUPFDCloexec = unix.F_DUPFD_CLOEXEC

	// connect(2) returns -EINPROGRESS on a non-blocking socket.
	eINPROGRESS = -int64(unix.EINPROGRESS)
)

// Operation names that do not come from a syscall.
const (
	operationLoad    = "load"
	operationUnknown = "unknown"
	operationRead    = "read"
	operationWrite   = "write"
)

// syscallGroups maps syscalls to the operation reported when operation names
// are simplified. Syscalls not listed keep their own name.
var syscallGroups = map[string]string{
	"openat":    "open",
	"creat":     "open",
	"readv":     "read",
	"pread":     "read",
	"pread64":   "read",
	"preadv":    "read",
	"writev":    "write",
	"pwrite":    "write",
	"pwrite64":  "write",
	"pwritev":   "write",
	"sendto":    "send",
	"sendmsg":   "send",
	"recvfrom":  "recv",
	"recvmsg":   "recv",
	"accept4":   "accept",
	"dup2":      "dup",
	"dup3":      "dup",
	"linkat":    "link",
	"symlinkat": "symlink",
	"renameat":  "rename",
	"renameat2": "rename",
	"unlinkat":  "unlink",
	"mknodat":   "mknod",
	"fchmod":    "chmod",
	"fchmodat":  "chmod",
	"ftruncate": "truncate",
	"pipe2":     "pipe",
	"vfork":     "fork",
	"fchdir":    "chdir",
	"setreuid":  "setuid",
	"setresuid": "setuid",
	"setfsuid":  "setuid",
	"setregid":  "setgid",
	"setresgid": "setgid",
	"setfsgid":  "setgid",

	"finit_module": "init_module",
}

// operation returns the operation annotation for primary. A non-empty
// secondary ("read" or "write") is appended for syscalls that emit edges in
// both directions.
func (e *Engine) operation(primary, secondary string) string {
	op := primary
	if e.cfg.Simplify {
		if group, ok := syscallGroups[primary]; ok {
			op = group
		}
	}
	if secondary != "" {
		op += "_" + secondary
	}
	return op
}

func openFlagsHasCreate(flags int64) bool {
	return flags&oCREAT == oCREAT
}

func openFlagsHasWrite(flags int64) bool {
	return flags&oWRONLY == oWRONLY ||
		flags&oRDWR == oRDWR ||
		flags&oAPPEND == oAPPEND ||
		flags&oTRUNC == oTRUNC
}

// openFlagsAnnotation renders the flags the way they appear on open edges.
func openFlagsAnnotation(flags int64) string {
	var parts []string
	if flags&oWRONLY == oWRONLY {
		parts = append(parts, "O_WRONLY")
	}
	if flags&oRDWR == oRDWR {
		parts = append(parts, "O_RDWR")
	}
	if flags&oWRONLY != oWRONLY && flags&oRDWR != oRDWR {
		parts = append(parts, "O_RDONLY")
	}
	if flags&oAPPEND == oAPPEND {
		parts = append(parts, "O_APPEND")
	}
	if flags&oTRUNC == oTRUNC {
		parts = append(parts, "O_TRUNC")
	}
	if flags&oCREAT == oCREAT {
		parts = append(parts, "O_CREAT")
	}
	return strings.Join(parts, "|")
}

var ptraceRequests = map[int64]string{
	4:     "PTRACE_POKETEXT",
	5:     "PTRACE_POKEDATA",
	6:     "PTRACE_POKEUSER",
	13:    "PTRACE_SETREGS",
	15:    "PTRACE_SETFPREGS",
	16901: "PTRACE_SETREGSET",
	16899: "PTRACE_SETSIGINFO",
	16907: "PTRACE_SETSIGMASK",
	26:    "PTRACE_SET_THREAD_AREA",
	16896: "PTRACE_SETOPTIONS",
	7:     "PTRACE_CONT",
	24:    "PTRACE_SYSCALL",
	9:     "PTRACE_SINGLESTEP",
	31:    "PTRACE_SYSEMU",
	32:    "PTRACE_SYSEMU_SINGLESTEP",
	16904: "PTRACE_LISTEN",
	8:     "PTRACE_KILL",
	16903: "PTRACE_INTERRUPT",
	16:    "PTRACE_ATTACH",
	17:    "PTRACE_DETACH",
}

var madviseAdvice = map[int64]string{
	0:   "MADV_NORMAL",
	1:   "MADV_RANDOM",
	2:   "MADV_SEQUENTIAL",
	3:   "MADV_WILLNEED",
	4:   "MADV_DONTNEED",
	8:   "MADV_FREE",
	9:   "MADV_REMOVE",
	10:  "MADV_DONTFORK",
	11:  "MADV_DOFORK",
	12:  "MADV_MERGEABLE",
	13:  "MADV_UNMERGEABLE",
	14:  "MADV_HUGEPAGE",
	15:  "MADV_NOHUGEPAGE",
	16:  "MADV_DONTDUMP",
	17:  "MADV_DODUMP",
	18:  "MADV_WIPEONFORK",
	19:  "MADV_KEEPONFORK",
	100: "MADV_HWPOISON",
	101: "MADV_SOFT_OFFLINE",
}

var lseekWhence = map[int64]string{
	0: "SEEK_SET",
	1: "SEEK_CUR",
	2: "SEEK_END",
	3: "SEEK_DATA",
	4: "SEEK_HOLE",
}
