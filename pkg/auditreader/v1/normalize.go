package v1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-libaudit/v2/auparse"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
)

const kernelModuleMarker = "netio_intercepted"

// syscallFields are copied from SYSCALL records as they appear in the log.
var syscallFields = []string{
	event.KeyPID, event.KeyPPID, event.KeyExit, event.KeySuccess,
	event.KeyArg0, event.KeyArg1, event.KeyArg2, event.KeyArg3,
	event.KeyUID, event.KeyEUID, event.KeySUID, event.KeyFSUID,
	event.KeyGID, event.KeyEGID, event.KeySGID, event.KeyFSGID,
	event.KeyAUID, event.KeySession,
}

// kernelModuleFields are copied from netio_intercepted payloads.
var kernelModuleFields = []string{
	event.KeyPID, event.KeyPPID, event.KeyExit, event.KeySuccess, event.KeyFD,
	event.KeySockType, event.KeyLocalSaddr, event.KeyRemoteSaddr,
	event.KeyUID, event.KeyEUID, event.KeyGID, event.KeyEGID,
}

// syscallName maps a syscall number to its name for arch. Names are kept.
func syscallName(value, arch string) string {
	n, err := strconv.Atoi(value)
	if err != nil {
		return value
	}
	if table, ok := auparse.AuditSyscalls[arch]; ok {
		if name, ok := table[n]; ok {
			return name
		}
	}
	return value
}

// normalize turns one reassembled group of records into an event. It
// returns nil for groups that carry no syscall, such as configuration
// changes.
func normalize(msgs []*auparse.AuditMessage, arch string) (*event.Event, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	first := msgs[0]
	fields := make(map[string]string)
	var paths []event.PathRecord

	for _, msg := range msgs {
		raw := rawFields(trimBody(msg.RawData))
		if payload, ok := raw[kernelModuleMarker]; ok {
			return kernelModuleEvent(msg, payload, arch), nil
		}
		switch msg.RecordType {
		case auparse.AUDIT_SYSCALL:
			for _, k := range syscallFields {
				if v, ok := raw[k]; ok {
					fields[k] = v
				}
			}
			fields[event.KeyComm] = decodeValue(raw[event.KeyComm])
			fields[event.KeyExe] = decodeValue(raw[event.KeyExe])
			fields[event.KeyTTY] = raw[event.KeyTTY]
			fields[event.KeySyscall] = syscallName(raw[event.KeySyscall], arch)
			if data, err := msg.Data(); err == nil {
				if name := data[event.KeySyscall]; name != "" {
					fields[event.KeySyscall] = syscallName(name, arch)
				}
			}
		case auparse.AUDIT_CWD:
			fields[event.KeyCwd] = decodeValue(raw["cwd"])
		case auparse.AUDIT_PATH:
			item, err := strconv.Atoi(raw["item"])
			if err != nil {
				return nil, fmt.Errorf("invalid PATH item %q: %w", raw["item"], err)
			}
			paths = append(paths, event.PathRecord{
				Item:     item,
				Name:     decodeValue(raw["name"]),
				NameType: raw["nametype"],
				Mode:     raw["mode"],
			})
		case auparse.AUDIT_SOCKADDR:
			fields[event.KeySaddr] = raw["saddr"]
		case auparse.AUDIT_FD_PAIR:
			fields[event.KeyFD0] = raw[event.KeyFD0]
			fields[event.KeyFD1] = raw[event.KeyFD1]
		case auparse.AUDIT_MMAP:
			fields[event.KeyFD] = raw[event.KeyFD]
			fields[event.KeyMmapFlags] = raw["flags"]
		case auparse.AUDIT_EXECVE:
			fields[event.KeyCmdline] = commandLine(raw)
		}
	}
	if fields[event.KeySyscall] == "" {
		return nil, nil
	}
	return event.New(event.FormatTime(first.Timestamp), strconv.FormatUint(uint64(first.Sequence), 10), fields, paths...), nil
}

// commandLine joins the decoded arguments of an EXECVE record.
func commandLine(raw map[string]string) string {
	argc, err := strconv.Atoi(raw["argc"])
	if err != nil {
		return ""
	}
	args := make([]string, 0, argc)
	for i := 0; i < argc; i++ {
		arg, ok := raw["a"+strconv.Itoa(i)]
		if !ok {
			break
		}
		args = append(args, strings.ReplaceAll(decodeValue(arg), "\x00", " "))
	}
	return strings.Join(args, " ")
}

// kernelModuleEvent builds the event of a netio_intercepted record. The
// payload is a quoted list of key=value pairs.
func kernelModuleEvent(msg *auparse.AuditMessage, payload, arch string) *event.Event {
	kv := rawFields(unquote(payload))
	fields := make(map[string]string)
	for _, k := range kernelModuleFields {
		if v, ok := kv[k]; ok {
			fields[k] = unquote(v)
		}
	}
	fields[event.KeySyscall] = syscallName(kv[event.KeySyscall], arch)
	if comm, ok := kv[event.KeyComm]; ok {
		fields[event.KeyComm] = decodeValue(comm)
	}
	ev := event.New(event.FormatTime(msg.Timestamp), strconv.FormatUint(uint64(msg.Sequence), 10), fields)
	ev.Type = event.RecordTypeKernelModule
	return ev
}
