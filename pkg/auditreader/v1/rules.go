package v1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-libaudit/v2"
	"github.com/elastic/go-libaudit/v2/rule"
	"github.com/elastic/go-libaudit/v2/rule/flags"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

const ruleKey = "provenance"

// RuleOptions selects the syscalls audited in live mode. The fields mirror
// the engine flags so that the kernel only reports what the engine handles.
type RuleOptions struct {
	UseReadWrite      bool
	UseSockSendRecv   bool
	UseMemorySyscalls bool
	Simplify          bool
	HandleChdir       bool
	HandleRootFS      bool
	HandleNamespaces  bool
	KernelModule      bool

	// UID restricts auditing to one user, or excludes it when IgnoreUID is set.
	// A negative UID disables the filter.
	UID       int
	IgnoreUID bool

	IgnorePIDs  []int
	IgnorePPIDs []int
}

// AuditRule is one rule in auditctl syntax.
type AuditRule struct {
	RawRule  string
	Syscalls []string
}

// GetRuleDescription returns a human-readable description of the rule
func (ar *AuditRule) GetRuleDescription() string {
	if len(ar.Syscalls) == 0 {
		return ar.RawRule
	}
	return fmt.Sprintf("Syscall monitoring for %v (key: %s)", ar.Syscalls, ruleKey)
}

func newSyscallRule(action string, syscalls, filters []string) *AuditRule {
	var b strings.Builder
	b.WriteString("-a ")
	b.WriteString(action)
	b.WriteString(" -F arch=b64")
	for _, s := range syscalls {
		b.WriteString(" -S ")
		b.WriteString(s)
	}
	for _, f := range filters {
		b.WriteString(" -F ")
		b.WriteString(f)
	}
	b.WriteString(" -k ")
	b.WriteString(ruleKey)
	return &AuditRule{RawRule: b.String(), Syscalls: syscalls}
}

// BuildRules returns the rules to load, in load order.
func BuildRules(opts RuleOptions) []*AuditRule {
	var filters []string
	if opts.UID >= 0 {
		op := "="
		if opts.IgnoreUID {
			op = "!="
		}
		filters = append(filters, "uid"+op+strconv.Itoa(opts.UID))
	}
	for _, pid := range opts.IgnorePIDs {
		filters = append(filters, "pid!="+strconv.Itoa(pid))
	}
	for _, ppid := range opts.IgnorePPIDs {
		filters = append(filters, "ppid!="+strconv.Itoa(ppid))
	}

	always := []string{"exit", "exit_group"}
	if !opts.KernelModule {
		always = append(always, "connect", "kill")
	}

	var onSuccess []string
	if opts.UseReadWrite {
		onSuccess = append(onSuccess, "read", "readv", "pread64", "preadv", "write", "writev", "pwrite64", "pwritev", "lseek")
	}
	if !opts.KernelModule {
		if opts.UseSockSendRecv {
			onSuccess = append(onSuccess, "sendto", "recvfrom", "sendmsg", "recvmsg")
		}
		onSuccess = append(onSuccess, "bind", "accept", "accept4", "socket")
	}
	if opts.UseMemorySyscalls {
		onSuccess = append(onSuccess, "mmap", "mprotect", "madvise")
	}
	onSuccess = append(onSuccess,
		"unlink", "unlinkat",
		"link", "linkat", "symlink", "symlinkat",
		"clone", "fork", "vfork", "execve",
		"open", "close", "creat", "openat", "mknodat", "mknod",
		"dup", "dup2", "dup3", "fcntl",
		"rename", "renameat",
		"setuid", "setreuid", "setgid", "setregid")
	if !opts.Simplify {
		onSuccess = append(onSuccess, "setresuid", "setfsuid", "setresgid", "setfsgid")
	}
	onSuccess = append(onSuccess,
		"chmod", "fchmod", "fchmodat",
		"pipe", "pipe2",
		"truncate", "ftruncate",
		"init_module", "finit_module",
		"tee", "splice", "vmsplice",
		"socketpair", "ptrace")
	if opts.HandleChdir {
		onSuccess = append(onSuccess, "chdir", "fchdir")
	}
	if opts.HandleRootFS {
		onSuccess = append(onSuccess, "chroot", "pivot_root")
	}
	if opts.HandleNamespaces {
		onSuccess = append(onSuccess, "setns", "unshare")
	}

	return []*AuditRule{
		{RawRule: "-a always,exclude -F msgtype=PROCTITLE"},
		newSyscallRule("always,exit", always, filters),
		newSyscallRule("always,exit", onSuccess, append(append([]string{}, filters...), "success=1")),
	}
}

// WireFormat validates the rule and returns it in the form the kernel accepts.
func (ar *AuditRule) WireFormat() (rule.WireFormat, error) {
	parsedRule, err := flags.Parse(ar.RawRule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audit rule '%s': %w", ar.RawRule, err)
	}
	wireFormat, err := rule.Build(parsedRule)
	if err != nil {
		return nil, fmt.Errorf("failed to build wire format for rule '%s': %w", ar.RawRule, err)
	}
	return wireFormat, nil
}

// loadRuleIntoKernel loads a single audit rule into the kernel using go-libaudit
func loadRuleIntoKernel(auditRule *AuditRule, auditClient *libaudit.AuditClient) error {
	logger.L().Debug("adding audit rule to kernel", helpers.String("rule", auditRule.RawRule))

	wireFormat, err := auditRule.WireFormat()
	if err != nil {
		return err
	}
	if err := auditClient.AddRule(wireFormat); err != nil {
		return fmt.Errorf("failed to add audit rule to kernel '%s': %w", auditRule.RawRule, err)
	}

	logger.L().Info("successfully loaded audit rule into kernel",
		helpers.String("description", auditRule.GetRuleDescription()))
	return nil
}
