package event

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// RecordType distinguishes syscall records from kernel module records.
type RecordType string

const (
	RecordTypeSyscall      RecordType = "syscall"
	RecordTypeKernelModule RecordType = "netio_intercepted"
)

// Keys of the normalized field map.
const (
	KeyPID       = "pid"
	KeyPPID      = "ppid"
	KeySyscall   = "syscall"
	KeyExit      = "exit"
	KeySuccess   = "success"
	KeyArg0      = "a0"
	KeyArg1      = "a1"
	KeyArg2      = "a2"
	KeyArg3      = "a3"
	KeyCwd       = "cwd"
	KeySaddr     = "saddr"
	KeyFD        = "fd"
	KeyFD0       = "fd0"
	KeyFD1       = "fd1"
	KeyMmapFlags = "mmap_flags"
	KeyComm      = "comm"
	KeyExe       = "exe"
	KeyCmdline   = "cmdline"
	KeyUID       = "uid"
	KeyEUID      = "euid"
	KeySUID      = "suid"
	KeyFSUID     = "fsuid"
	KeyGID       = "gid"
	KeyEGID      = "egid"
	KeySGID      = "sgid"
	KeyFSGID     = "fsgid"
	KeyAUID      = "auid"
	KeySession   = "ses"
	KeyTTY       = "tty"

	// kernel module record fields
	KeySockType    = "sock_type"
	KeyLocalSaddr  = "local_saddr"
	KeyRemoteSaddr = "remote_saddr"
)

// PATH record name types.
const (
	NameTypeNormal  = "NORMAL"
	NameTypeCreate  = "CREATE"
	NameTypeParent  = "PARENT"
	NameTypeDelete  = "DELETE"
	NameTypeUnknown = "UNKNOWN"
)

var argKeys = [4]string{KeyArg0, KeyArg1, KeyArg2, KeyArg3}

// PathRecord is one PATH record of an audit event.
type PathRecord struct {
	Item     int
	Name     string
	NameType string
	Mode     string
}

// Permissions returns the permission bits of the record mode in octal, or an
// empty string when the mode is unknown.
func (p PathRecord) Permissions() string {
	mode, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(mode&07777, 8)
}

// FileType returns the S_IFMT bits of the record mode.
func (p PathRecord) FileType() uint32 {
	mode, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil {
		return 0
	}
	return uint32(mode) & 0170000
}

// Event is one fully reassembled audit event.
type Event struct {
	Type    RecordType
	Time    string
	EventID string
	Fields  map[string]string
	Paths   []PathRecord
}

// New returns a syscall event with the given fields.
func New(timestamp, eventID string, fields map[string]string, paths ...PathRecord) *Event {
	if fields == nil {
		fields = make(map[string]string)
	}
	sort.SliceStable(paths, func(i, j int) bool { return paths[i].Item < paths[j].Item })
	return &Event{
		Type:    RecordTypeSyscall,
		Time:    timestamp,
		EventID: eventID,
		Fields:  fields,
		Paths:   paths,
	}
}

func (e *Event) Get(key string) (string, bool) {
	v, ok := e.Fields[key]
	return v, ok && v != ""
}

// Value returns the field value or an empty string.
func (e *Event) Value(key string) string {
	return e.Fields[key]
}

// Require returns the field value or a MalformedRecordError when missing.
func (e *Event) Require(key string) (string, error) {
	v, ok := e.Get(key)
	if !ok {
		return "", &MalformedRecordError{Key: key}
	}
	return v, nil
}

// Int parses a decimal field.
func (e *Event) Int(key string) (int64, error) {
	v, err := e.Require(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &MalformedRecordError{Key: key, Value: v, Err: err}
	}
	return n, nil
}

func (e *Event) Syscall() string {
	return e.Fields[KeySyscall]
}

func (e *Event) PID() string {
	return e.Fields[KeyPID]
}

// Success reports whether the syscall succeeded.
func (e *Event) Success() bool {
	switch e.Fields[KeySuccess] {
	case "yes", "success", "1":
		return true
	}
	return false
}

// Exit returns the syscall return value.
func (e *Event) Exit() (int64, error) {
	return e.Int(KeyExit)
}

// Arg returns syscall argument i (0..3) converted from hex.
func (e *Event) Arg(i int) (int64, error) {
	if i < 0 || i >= len(argKeys) {
		return 0, &MalformedRecordError{Key: "a" + strconv.Itoa(i)}
	}
	raw, err := e.Require(argKeys[i])
	if err != nil {
		return 0, err
	}
	v, _, err := ParseHexArg(raw)
	if err != nil {
		return 0, &MalformedRecordError{Key: argKeys[i], Value: raw, Err: err}
	}
	return v, nil
}

// IntArg returns syscall argument i as a C int. Use it for descriptors,
// directory descriptors and pids.
func (e *Event) IntArg(i int) (int64, error) {
	if i < 0 || i >= len(argKeys) {
		return 0, &MalformedRecordError{Key: "a" + strconv.Itoa(i)}
	}
	raw, err := e.Require(argKeys[i])
	if err != nil {
		return 0, err
	}
	v, err := ParseIntArg(raw)
	if err != nil {
		return 0, &MalformedRecordError{Key: argKeys[i], Value: raw, Err: err}
	}
	return v, nil
}

// ArgString returns syscall argument i as a decimal string.
func (e *Event) ArgString(i int) (string, error) {
	v, err := e.Arg(i)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(v, 10), nil
}

// PathsWithNameType returns all PATH records with the given name type in item order.
func (e *Event) PathsWithNameType(nameType string) []PathRecord {
	var out []PathRecord
	for _, p := range e.Paths {
		if p.NameType == nameType {
			out = append(out, p)
		}
	}
	return out
}

func (e *Event) FirstPathWithNameType(nameType string) (PathRecord, bool) {
	for _, p := range e.Paths {
		if p.NameType == nameType {
			return p, true
		}
	}
	return PathRecord{}, false
}

func (e *Event) PathByItem(item int) (PathRecord, bool) {
	for _, p := range e.Paths {
		if p.Item == item {
			return p, true
		}
	}
	return PathRecord{}, false
}

// FormatTime renders t the way audit logs print event timestamps.
func FormatTime(t time.Time) string {
	return fmt.Sprintf("%d.%03d", t.Unix(), t.Nanosecond()/1e6)
}
