package exporters

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/mcuadros/go-syslog.v2"
)

func setupServer(t *testing.T, address string) (*syslog.Server, syslog.LogPartsChannel) {
	channel := make(syslog.LogPartsChannel, 100)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(syslog.Automatic)
	server.SetHandler(handler)
	// Due to permission issues, we can't listen on port 514 on the CI.
	require.NoError(t, server.ListenUDP(address))
	require.NoError(t, server.Boot())
	go server.Wait()

	return server, channel
}

func receive(t *testing.T, channel syslog.LogPartsChannel) map[string]interface{} {
	select {
	case logParts := <-channel:
		return logParts
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for syslog message")
	}
	return nil
}

func TestSyslogExporter(t *testing.T) {
	server, channel := setupServer(t, "127.0.0.1:40123")
	defer server.Kill()

	t.Setenv("SYSLOG_PROTOCOL", "udp")
	syslogExp := InitSyslogExporter("127.0.0.1:40123", "session")
	require.NotNil(t, syslogExp)
	defer syslogExp.Close()

	p := testProcess("10")
	f := testFile("/etc/hosts")
	syslogExp.SendVertex(p)
	vertex := content(t, receive(t, channel))
	assert.Contains(t, vertex, "provenance-agent")
	assert.Contains(t, vertex, " Process ")
	assert.Contains(t, vertex, `session="session"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(vertex), "pid=10"))

	syslogExp.SendEdge(testUsed(p, f))
	edge := content(t, receive(t, channel))
	assert.Contains(t, edge, " Used ")
	assert.Contains(t, edge, `source="pid=10"`)
	// spaces in annotation keys are not valid in SD-PARAM names
	assert.Contains(t, edge, `event_id="42"`)
	assert.Contains(t, edge, "Used pid=10 -> ")
}

func content(t *testing.T, logParts map[string]interface{}) string {
	c, ok := logParts["content"].(string)
	require.True(t, ok)
	return c
}

func TestInitSyslogExporterWithoutHost(t *testing.T) {
	t.Setenv("SYSLOG_HOST", "")
	assert.Nil(t, InitSyslogExporter("", "session"))
}

func TestSdName(t *testing.T) {
	assert.Equal(t, "event_id", sdName("event id"))
	assert.Equal(t, "a_b_c", sdName(`a=b"c`))
	assert.Len(t, sdName(strings.Repeat("x", 40)), maxSDNameLength)
}
