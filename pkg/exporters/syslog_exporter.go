package exporters

import (
	"fmt"
	"log/syslog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aquilax/truncate"
	"github.com/crewjam/rfc5424"
	"github.com/kubescape/provenance-agent/pkg/provenance/graph"
	log "github.com/sirupsen/logrus"
)

const (
	syslogAppName = "provenance-agent"
	// SD-PARAM names are limited to 32 printable characters
	maxSDNameLength = 32
)

// SyslogExporter is an exporter that sends records to syslog
type SyslogExporter struct {
	writer    *syslog.Writer
	hostname  string
	sessionID string
}

// InitSyslogExporter initializes a new SyslogExporter
func InitSyslogExporter(syslogHost, sessionID string) *SyslogExporter {
	if syslogHost == "" {
		syslogHost = os.Getenv("SYSLOG_HOST")
		if syslogHost == "" {
			return nil
		}
	}

	protocol := os.Getenv("SYSLOG_PROTOCOL")
	if protocol == "" {
		protocol = "udp"
	}

	writer, err := syslog.Dial(protocol, syslogHost, syslog.LOG_INFO, syslogAppName)
	if err != nil {
		log.Printf("failed to initialize syslog exporter: %v", err)
		return nil
	}
	hostname, _ := os.Hostname()

	return &SyslogExporter{
		writer:    writer,
		hostname:  hostname,
		sessionID: sessionID,
	}
}

func sdName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r == ' ', r == '=', r == ']', r == '"', r < 33, r > 126:
			return '_'
		}
		return r
	}, key)
	return truncate.Truncate(name, maxSDNameLength, "", truncate.PositionEnd)
}

func sdParams(annotations map[string]string) []rfc5424.SDParam {
	keys := make([]string, 0, len(annotations))
	for k := range annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]rfc5424.SDParam, 0, len(keys))
	for _, k := range keys {
		params = append(params, rfc5424.SDParam{Name: sdName(k), Value: annotations[k]})
	}
	return params
}

// send writes an RFC 5424 message - https://tools.ietf.org/html/rfc5424
func (se *SyslogExporter) send(msgID string, params []rfc5424.SDParam, text string) {
	message := rfc5424.Message{
		Priority:  rfc5424.Info,
		Timestamp: time.Now(),
		Hostname:  se.hostname,
		AppName:   syslogAppName,
		ProcessID: fmt.Sprintf("%d", os.Getpid()),
		MessageID: msgID,
		StructuredData: []rfc5424.StructuredData{
			{
				ID:         fmt.Sprintf("provenance@%d", os.Getpid()),
				Parameters: append([]rfc5424.SDParam{{Name: "session", Value: se.sessionID}}, params...),
			},
		},
		Message: []byte(text),
	}

	if _, err := message.WriteTo(se.writer); err != nil {
		log.Errorf("failed to send record to syslog: %v", err)
	}
}

func (se *SyslogExporter) SendVertex(v graph.Vertex) {
	se.send(string(v.Type), sdParams(v.Annotations), v.Key)
}

func (se *SyslogExporter) SendEdge(e graph.Edge) {
	params := append([]rfc5424.SDParam{
		{Name: "source", Value: e.Source.Key},
		{Name: "destination", Value: e.Destination.Key},
	}, sdParams(e.Annotations)...)
	se.send(string(e.Kind), params, fmt.Sprintf("%s %s -> %s", e.Kind, e.Source.Key, e.Destination.Key))
}

func (se *SyslogExporter) Close() error {
	return se.writer.Close()
}
