package v1

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kubescape/provenance-agent/pkg/metricsmanager"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var auditLog = strings.Join([]string{
	`type=SYSCALL msg=audit(1700000000.123:42): arch=c000003e syscall=257 success=yes exit=3 a0=ffffff9c a1=7ffd1234 a2=241 a3=1b6 items=2 ppid=1 pid=100 auid=1000 uid=1000 gid=1000 euid=1000 suid=1000 fsuid=1000 egid=1000 sgid=1000 fsgid=1000 tty=pts0 ses=1 comm="touch" exe="/usr/bin/touch" key="provenance"`,
	`type=CWD msg=audit(1700000000.123:42): cwd="/home/user"`,
	`type=PATH msg=audit(1700000000.123:42): item=0 name="/tmp/" inode=1 dev=08:01 mode=041777 ouid=0 ogid=0 rdev=00:00 nametype=PARENT`,
	`type=PATH msg=audit(1700000000.123:42): item=1 name="/tmp/a.txt" inode=2 dev=08:01 mode=0100644 ouid=1000 ogid=1000 rdev=00:00 nametype=CREATE`,
	`type=PROCTITLE msg=audit(1700000000.123:42): proctitle=746F756368002F746D702F612E747874`,
	`type=EOE msg=audit(1700000000.123:42): `,
	`this line is not an audit record`,
	`type=SYSCALL msg=audit(1700000000.200:43): arch=c000003e syscall=3 success=yes exit=0 a0=3 a1=0 a2=0 a3=0 items=0 ppid=1 pid=100 auid=1000 uid=1000 gid=1000 euid=1000 suid=1000 fsuid=1000 egid=1000 sgid=1000 fsgid=1000 tty=pts0 ses=1 comm="touch" exe="/usr/bin/touch" key="provenance"`,
	`type=EOE msg=audit(1700000000.200:43): `,
}, "\n") + "\n"

func writeLog(t *testing.T, content string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/var/log/audit/audit.log", []byte(content), 0o600))
	return fs
}

func collect(t *testing.T, events <-chan *event.Event) []*event.Event {
	t.Helper()
	var out []*event.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for the reader to finish")
			return out
		}
	}
}

func TestReplayReader(t *testing.T) {
	metrics := metricsmanager.NewMetricsMock()
	reader := NewReplayReader(writeLog(t, auditLog), "/var/log/audit/audit.log", "x86_64", metrics)

	require.NoError(t, reader.Start(context.Background()))
	events := collect(t, reader.Events())
	require.NoError(t, reader.Err())

	require.Len(t, events, 2)
	assert.Equal(t, "42", events[0].EventID)
	assert.Equal(t, "openat", events[0].Syscall())
	assert.Equal(t, "/home/user", events[0].Value(event.KeyCwd))
	require.Len(t, events[0].Paths, 2)
	assert.Equal(t, "/tmp/a.txt", events[0].Paths[1].Name)

	assert.Equal(t, "43", events[1].EventID)
	assert.Equal(t, "close", events[1].Syscall())

	status := reader.GetStatus()
	assert.Equal(t, uint64(2), status.EventsTotal)
	assert.Equal(t, uint64(1), status.LinesSkipped)
	assert.False(t, status.IsRunning)
	require.NoError(t, reader.Stop())
}

func TestReplayReaderFlushesIncompleteEvents(t *testing.T) {
	log := `type=SYSCALL msg=audit(1700000001.000:50): arch=c000003e syscall=57 success=yes exit=101 a0=0 a1=0 a2=0 a3=0 items=0 ppid=1 pid=100 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="sh" exe="/bin/sh"` + "\n"
	reader := NewReplayReader(writeLog(t, log), "/var/log/audit/audit.log", "x86_64", nil)

	require.NoError(t, reader.Start(context.Background()))
	events := collect(t, reader.Events())

	require.Len(t, events, 1)
	assert.Equal(t, "fork", events[0].Syscall())
	assert.Equal(t, "101", events[0].Value(event.KeyExit))
}

func TestReplayReaderMissingFile(t *testing.T) {
	reader := NewReplayReader(afero.NewMemMapFs(), "/missing.log", "x86_64", nil)
	assert.Error(t, reader.Start(context.Background()))
	assert.NoError(t, reader.Stop())
}

func TestReplayReaderStop(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString(`type=SYSCALL msg=audit(1700000002.000:`)
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(`): arch=c000003e syscall=3 success=yes exit=0 a0=3 a1=0 a2=0 a3=0 items=0 ppid=1 pid=100 auid=0 uid=0 gid=0 euid=0 suid=0 fsuid=0 egid=0 sgid=0 fsgid=0 tty=pts0 ses=1 comm="sh" exe="/bin/sh"`)
		b.WriteString("\n")
	}
	reader := NewReplayReader(writeLog(t, b.String()), "/var/log/audit/audit.log", "x86_64", nil)
	require.NoError(t, reader.Start(context.Background()))

	// nobody drains the channel; Stop must still return
	require.NoError(t, reader.Stop())
	_ = collect(t, reader.Events())
}
