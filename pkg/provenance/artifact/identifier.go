package artifact

import (
	"sort"
	"strings"
)

// Artifact subtypes as annotated on vertices.
const (
	SubtypeFile                     = "file"
	SubtypeDirectory                = "directory"
	SubtypeMemory                   = "memory"
	SubtypeNetworkSocket            = "network socket"
	SubtypeUnixSocket               = "unix socket"
	SubtypeUnnamedPipe              = "unnamed pipe"
	SubtypeUnnamedNetworkSocketPair = "unnamed network socket pair"
	SubtypeUnnamedUnixSocketPair    = "unnamed unix socket pair"
	SubtypeMessageQueue             = "posix message queue"
	SubtypeUnknown                  = "unknown"
)

// Annotation keys of artifact vertices.
const (
	AnnotationSubtype       = "subtype"
	AnnotationPath          = "path"
	AnnotationRootPath      = "root path"
	AnnotationTgid          = "tgid"
	AnnotationMemoryAddress = "memory address"
	AnnotationSize          = "size"
	AnnotationLocalAddress  = "local address"
	AnnotationLocalPort     = "local port"
	AnnotationRemoteAddress = "remote address"
	AnnotationRemotePort    = "remote port"
	AnnotationProtocol      = "protocol"
	AnnotationNetNamespace  = "net namespace"
	AnnotationFD            = "fd"
	AnnotationFD0           = "fd0"
	AnnotationFD1           = "fd1"
	AnnotationReadFD        = "read fd"
	AnnotationWriteFD       = "write fd"
)

// Identifier is the closed set of artifact identities. Every implementation is
// a comparable struct so identifiers can be used directly as map keys.
type Identifier interface {
	Subtype() string
	Annotations() map[string]string
	isIdentifier()
}

var (
	_ Identifier = Path{}
	_ Identifier = Directory{}
	_ Identifier = Memory{}
	_ Identifier = NetworkSocket{}
	_ Identifier = UnixSocket{}
	_ Identifier = UnnamedPipe{}
	_ Identifier = UnnamedNetworkSocketPair{}
	_ Identifier = UnnamedUnixSocketPair{}
	_ Identifier = MessageQueue{}
	_ Identifier = Unknown{}
)

// Path is a filesystem object addressed by path under a root context.
type Path struct {
	Path string
	Root string
}

func (Path) isIdentifier()   {}
func (Path) Subtype() string { return SubtypeFile }
func (p Path) Annotations() map[string]string {
	return annotations(SubtypeFile, AnnotationPath, p.Path, AnnotationRootPath, p.Root)
}

type Directory struct {
	Path string
	Root string
}

func (Directory) isIdentifier()   {}
func (Directory) Subtype() string { return SubtypeDirectory }
func (d Directory) Annotations() map[string]string {
	return annotations(SubtypeDirectory, AnnotationPath, d.Path, AnnotationRootPath, d.Root)
}

// Memory is a mapped region of a thread group. Address and Size are hex.
type Memory struct {
	Tgid    string
	Address string
	Size    string
}

func (Memory) isIdentifier()   {}
func (Memory) Subtype() string { return SubtypeMemory }
func (m Memory) Annotations() map[string]string {
	return annotations(SubtypeMemory, AnnotationTgid, m.Tgid, AnnotationMemoryAddress, m.Address, AnnotationSize, m.Size)
}

type NetworkSocket struct {
	LocalHost  string
	LocalPort  string
	RemoteHost string
	RemotePort string
	Protocol   string
	NetNS      string
}

func (NetworkSocket) isIdentifier()   {}
func (NetworkSocket) Subtype() string { return SubtypeNetworkSocket }
func (n NetworkSocket) Annotations() map[string]string {
	return annotations(SubtypeNetworkSocket,
		AnnotationLocalAddress, n.LocalHost,
		AnnotationLocalPort, n.LocalPort,
		AnnotationRemoteAddress, n.RemoteHost,
		AnnotationRemotePort, n.RemotePort,
		AnnotationProtocol, n.Protocol,
		AnnotationNetNamespace, n.NetNS)
}

// HasRemote reports whether the socket is already resolved to a peer.
func (n NetworkSocket) HasRemote() bool {
	return n.RemoteHost != ""
}

type UnixSocket struct {
	Path string
	Root string
}

func (UnixSocket) isIdentifier()   {}
func (UnixSocket) Subtype() string { return SubtypeUnixSocket }
func (u UnixSocket) Annotations() map[string]string {
	return annotations(SubtypeUnixSocket, AnnotationPath, u.Path, AnnotationRootPath, u.Root)
}

type UnnamedPipe struct {
	Tgid string
	FD0  string
	FD1  string
}

func (UnnamedPipe) isIdentifier()   {}
func (UnnamedPipe) Subtype() string { return SubtypeUnnamedPipe }
func (u UnnamedPipe) Annotations() map[string]string {
	return annotations(SubtypeUnnamedPipe, AnnotationTgid, u.Tgid, AnnotationReadFD, u.FD0, AnnotationWriteFD, u.FD1)
}

type UnnamedNetworkSocketPair struct {
	Tgid     string
	FD0      string
	FD1      string
	Protocol string
}

func (UnnamedNetworkSocketPair) isIdentifier()   {}
func (UnnamedNetworkSocketPair) Subtype() string { return SubtypeUnnamedNetworkSocketPair }
func (u UnnamedNetworkSocketPair) Annotations() map[string]string {
	return annotations(SubtypeUnnamedNetworkSocketPair,
		AnnotationTgid, u.Tgid, AnnotationFD0, u.FD0, AnnotationFD1, u.FD1, AnnotationProtocol, u.Protocol)
}

type UnnamedUnixSocketPair struct {
	Tgid string
	FD0  string
	FD1  string
}

func (UnnamedUnixSocketPair) isIdentifier()   {}
func (UnnamedUnixSocketPair) Subtype() string { return SubtypeUnnamedUnixSocketPair }
func (u UnnamedUnixSocketPair) Annotations() map[string]string {
	return annotations(SubtypeUnnamedUnixSocketPair, AnnotationTgid, u.Tgid, AnnotationFD0, u.FD0, AnnotationFD1, u.FD1)
}

type MessageQueue struct {
	Path string
	Root string
}

func (MessageQueue) isIdentifier()   {}
func (MessageQueue) Subtype() string { return SubtypeMessageQueue }
func (m MessageQueue) Annotations() map[string]string {
	return annotations(SubtypeMessageQueue, AnnotationPath, m.Path, AnnotationRootPath, m.Root)
}

// Unknown stands in for a descriptor whose origin was never observed.
type Unknown struct {
	Tgid string
	FD   string
}

func (Unknown) isIdentifier()   {}
func (Unknown) Subtype() string { return SubtypeUnknown }
func (u Unknown) Annotations() map[string]string {
	return annotations(SubtypeUnknown, AnnotationTgid, u.Tgid, AnnotationFD, u.FD)
}

// IsMemory reports whether id is a memory region.
func IsMemory(id Identifier) bool {
	_, ok := id.(Memory)
	return ok
}

// PathOf returns the filesystem path carried by id, if any.
func PathOf(id Identifier) (string, bool) {
	switch v := id.(type) {
	case Path:
		return v.Path, true
	case Directory:
		return v.Path, true
	case UnixSocket:
		return v.Path, true
	case MessageQueue:
		return v.Path, true
	}
	return "", false
}

// Key renders id as a stable string, used to key emitted vertices.
func Key(id Identifier) string {
	ann := id.Annotations()
	keys := make([]string, 0, len(ann))
	for k := range ann {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ann[k])
	}
	return b.String()
}

// annotations builds the annotation map of an identifier, skipping empty values.
func annotations(subtype string, kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2+1)
	out[AnnotationSubtype] = subtype
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	return out
}
