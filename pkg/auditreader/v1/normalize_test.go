package v1

import (
	"testing"

	"github.com/elastic/go-libaudit/v2/auparse"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	typ auparse.AuditMessageType
	raw string
}

func parseAll(t *testing.T, records ...record) []*auparse.AuditMessage {
	t.Helper()
	msgs := make([]*auparse.AuditMessage, 0, len(records))
	for _, r := range records {
		msg, err := auparse.Parse(r.typ, r.raw)
		require.NoError(t, err, "Failed to parse raw audit message")
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestNormalizeSyscallGroup(t *testing.T) {
	msgs := parseAll(t,
		record{auparse.AUDIT_SYSCALL, `audit(1700000000.123:42): arch=c000003e syscall=257 success=yes exit=3 a0=ffffff9c a1=7ffd1234 a2=241 a3=1b6 items=2 ppid=1 pid=100 auid=1000 uid=1000 gid=1000 euid=1000 suid=1000 fsuid=1000 egid=1000 sgid=1000 fsgid=1000 tty=pts0 ses=1 comm="touch" exe="/usr/bin/touch" key="provenance"`},
		record{auparse.AUDIT_CWD, `audit(1700000000.123:42): cwd="/home/user"`},
		record{auparse.AUDIT_PATH, `audit(1700000000.123:42): item=1 name=2F746D702F6120622E747874 inode=2 dev=08:01 mode=0100644 ouid=1000 ogid=1000 rdev=00:00 nametype=CREATE`},
		record{auparse.AUDIT_PATH, `audit(1700000000.123:42): item=0 name="/tmp/" inode=1 dev=08:01 mode=041777 ouid=0 ogid=0 rdev=00:00 nametype=PARENT`},
	)

	ev, err := normalize(msgs, "x86_64")
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, event.RecordTypeSyscall, ev.Type)
	assert.Equal(t, "1700000000.123", ev.Time)
	assert.Equal(t, "42", ev.EventID)
	assert.Equal(t, "openat", ev.Syscall())
	assert.Equal(t, "100", ev.PID())
	assert.Equal(t, "1", ev.Value(event.KeyPPID))
	assert.Equal(t, "3", ev.Value(event.KeyExit))
	assert.True(t, ev.Success())
	assert.Equal(t, "ffffff9c", ev.Value(event.KeyArg0))
	assert.Equal(t, "241", ev.Value(event.KeyArg2))
	assert.Equal(t, "touch", ev.Value(event.KeyComm))
	assert.Equal(t, "/usr/bin/touch", ev.Value(event.KeyExe))
	assert.Equal(t, "/home/user", ev.Value(event.KeyCwd))
	assert.Equal(t, "1000", ev.Value(event.KeyEUID))

	require.Len(t, ev.Paths, 2)
	assert.Equal(t, event.PathRecord{Item: 0, Name: "/tmp/", NameType: "PARENT", Mode: "041777"}, ev.Paths[0])
	assert.Equal(t, event.PathRecord{Item: 1, Name: "/tmp/a b.txt", NameType: "CREATE", Mode: "0100644"}, ev.Paths[1])
	assert.Equal(t, "644", ev.Paths[1].Permissions())
}

func TestNormalizeAuxiliaryRecords(t *testing.T) {
	tests := []struct {
		name     string
		records  []record
		expected map[string]string
	}{
		{
			name: "socket address",
			records: []record{
				{auparse.AUDIT_SYSCALL, `audit(1700000001.000:50): arch=c000003e syscall=42 success=no exit=-115 a0=3 a1=7ffd a2=10 a3=0 items=0 ppid=1 pid=200 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=(none) ses=1 comm="curl" exe="/usr/bin/curl"`},
				{auparse.AUDIT_SOCKADDR, `audit(1700000001.000:50): saddr=020000500A0000020000000000000000`},
			},
			expected: map[string]string{
				event.KeySyscall: "connect",
				event.KeySaddr:   "020000500A0000020000000000000000",
				event.KeyExit:    "-115",
				event.KeySuccess: "no",
				event.KeyTTY:     "(none)",
			},
		},
		{
			name: "descriptor pair",
			records: []record{
				{auparse.AUDIT_SYSCALL, `audit(1700000002.000:51): arch=c000003e syscall=293 success=yes exit=0 a0=7ffd a1=80000 a2=0 a3=0 items=0 ppid=1 pid=201 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="sh" exe="/bin/sh"`},
				{auparse.AUDIT_FD_PAIR, `audit(1700000002.000:51): fd0=3 fd1=4`},
			},
			expected: map[string]string{
				event.KeySyscall: "pipe2",
				event.KeyFD0:     "3",
				event.KeyFD1:     "4",
			},
		},
		{
			name: "memory map",
			records: []record{
				{auparse.AUDIT_SYSCALL, `audit(1700000003.000:52): arch=c000003e syscall=9 success=yes exit=140000000 a0=0 a1=1000 a2=3 a3=1 items=0 ppid=1 pid=202 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="db" exe="/usr/bin/db"`},
				{auparse.AUDIT_MMAP, `audit(1700000003.000:52): fd=5 flags=0x1`},
			},
			expected: map[string]string{
				event.KeySyscall:   "mmap",
				event.KeyFD:        "5",
				event.KeyMmapFlags: "0x1",
			},
		},
		{
			name: "execve arguments",
			records: []record{
				{auparse.AUDIT_SYSCALL, `audit(1700000004.000:53): arch=c000003e syscall=59 success=yes exit=0 a0=55d1 a1=55d2 a2=55d3 a3=0 items=2 ppid=1 pid=203 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="ls" exe="/usr/bin/ls"`},
				{auparse.AUDIT_EXECVE, `audit(1700000004.000:53): argc=3 a0="ls" a1="-l" a2=2F746D702F6120622E747874`},
			},
			expected: map[string]string{
				event.KeySyscall: "execve",
				event.KeyCmdline: "ls -l /tmp/a b.txt",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := normalize(parseAll(t, tc.records...), "x86_64")
			require.NoError(t, err)
			require.NotNil(t, ev)
			for k, v := range tc.expected {
				assert.Equal(t, v, ev.Value(k), k)
			}
		})
	}
}

func TestNormalizeKernelModuleRecord(t *testing.T) {
	msgs := parseAll(t, record{auparse.AUDIT_USER,
		`audit(1700000005.500:77): netio_intercepted="syscall=42 exit=0 success=1 fd=3 pid=100 ppid=1 uid=0 euid=0 gid=0 egid=0 comm=curl sock_type=1 local_saddr=0200a6a40a000001 remote_saddr=020000500a000002"`})

	ev, err := normalize(msgs, "x86_64")
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, event.RecordTypeKernelModule, ev.Type)
	assert.Equal(t, "77", ev.EventID)
	assert.Equal(t, "connect", ev.Syscall())
	assert.Equal(t, "3", ev.Value(event.KeyFD))
	assert.Equal(t, "1", ev.Value(event.KeySockType))
	assert.Equal(t, "0200a6a40a000001", ev.Value(event.KeyLocalSaddr))
	assert.Equal(t, "020000500a000002", ev.Value(event.KeyRemoteSaddr))
	assert.Equal(t, "curl", ev.Value(event.KeyComm))
	assert.True(t, ev.Success())
}

func TestNormalizeIgnoresNonSyscallGroups(t *testing.T) {
	msgs := parseAll(t, record{auparse.AUDIT_CONFIG_CHANGE,
		`audit(1700000006.000:5): auid=0 ses=1 op=add_rule key="provenance" list=4 res=1`})

	ev, err := normalize(msgs, "x86_64")
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = normalize(nil, "x86_64")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalizeRejectsBadPathItem(t *testing.T) {
	msgs := parseAll(t,
		record{auparse.AUDIT_SYSCALL, `audit(1700000007.000:60): arch=c000003e syscall=87 success=yes exit=0 a0=55d1 a1=0 a2=0 a3=0 items=1 ppid=1 pid=300 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="rm" exe="/usr/bin/rm"`},
		record{auparse.AUDIT_PATH, `audit(1700000007.000:60): item=x name="/tmp/a" nametype=DELETE`},
	)
	_, err := normalize(msgs, "x86_64")
	assert.Error(t, err)
}

func TestSyscallName(t *testing.T) {
	assert.Equal(t, "openat", syscallName("257", "x86_64"))
	assert.Equal(t, "openat", syscallName("openat", "x86_64"))
	assert.Equal(t, "99999", syscallName("99999", "x86_64"))
	assert.Equal(t, "257", syscallName("257", "no-such-arch"))
}

func TestRawFields(t *testing.T) {
	fields := rawFields(`arch=c000003e comm="a b" key=(null) name='x y' items=0 orphan`)
	assert.Equal(t, "c000003e", fields["arch"])
	assert.Equal(t, `"a b"`, fields["comm"])
	assert.Equal(t, "(null)", fields["key"])
	assert.Equal(t, `'x y'`, fields["name"])
	assert.Equal(t, "0", fields["items"])
	assert.NotContains(t, fields, "orphan")

	assert.Equal(t, "cwd=\"/\"", trimBody(`audit(1700000000.123:42): cwd="/"`))
	assert.Equal(t, "cwd=\"/\"", trimBody(`cwd="/"`))
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{`"/tmp/a"`, "/tmp/a"},
		{"2F746D702F6120622E747874", "/tmp/a b.txt"},
		{"(null)", ""},
		{"(none)", ""},
		{"abc", "abc"},
		{"1234", "1234"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.out, decodeValue(tc.in), tc.in)
	}
}
