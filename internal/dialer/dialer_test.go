package dialer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// fakeServer speaks just enough SMTP to exercise Session.Send end to end
// without STARTTLS, mirroring the MockConn-based approach the teacher
// uses in its own protocol-level tests (test/unit/smtp/xdebug_test.go).
func fakeServer(t *testing.T, conn net.Conn, dataOut *strings.Builder) {
	r := bufio.NewReader(conn)
	fmt.Fprint(conn, "220 fake.test ESMTP\r\n")

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "EHLO"))
	fmt.Fprint(conn, "250-fake.test\r\n250 PIPELINING\r\n")

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "MAIL FROM"))
	fmt.Fprint(conn, "250 2.1.0 OK\r\n")

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "RCPT TO"))
	fmt.Fprint(conn, "250 2.1.5 OK\r\n")

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "DATA"))
	fmt.Fprint(conn, "354 go ahead\r\n")

	for {
		l, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if l == ".\r\n" {
			fmt.Fprint(conn, "250 2.0.0 OK queued\r\n")
			return
		}
		dataOut.WriteString(l)
	}
}

func TestSessionSendDotStuffsAndReturnsFinalReply(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	var data strings.Builder
	done := make(chan struct{})
	go func() {
		fakeServer(t, server, &data)
		close(done)
	}()

	text := textproto.NewConn(client)
	_, _, err := text.ReadResponse(220)
	require.NoError(t, err)

	caps, err := ehlo(text, "client.test")
	require.NoError(t, err)
	assert.True(t, hasCapability(caps, "PIPELINING"))

	sess := &Session{conn: client, text: text, helo: "client.test", exchange: "fake.test"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := sess.Send(ctx, Envelope{From: "a@x.test", To: []string{"b@y.test"}, Size: 11},
		[]byte("Subject: hi\r\n"),
		func(w io.Writer) error {
			_, err := w.Write([]byte("\r\n.leading dot body\r\n"))
			return err
		})
	require.NoError(t, err)
	assert.Contains(t, reply, "250")

	<-done
	assert.Contains(t, data.String(), "..leading dot body")
}

func TestPortOrDefault(t *testing.T) {
	assert.Equal(t, "25", portOrDefault(0))
	assert.Equal(t, "587", portOrDefault(587))
}

func TestHasCapability(t *testing.T) {
	caps := []string{"fake.test", "PIPELINING", "STARTTLS", "AUTH PLAIN LOGIN"}
	assert.True(t, hasCapability(caps, "STARTTLS"))
	assert.True(t, hasCapability(caps, "AUTH"))
	assert.False(t, hasCapability(caps, "8BITMIME"))
}

func TestTrustOnFirstUseConfigSkipsVerification(t *testing.T) {
	cfg := trustOnFirstUseConfig("mx.y.test")
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "mx.y.test", cfg.ServerName)
}

func TestZoneDisableStarttlsFlagStoresAndLoads(t *testing.T) {
	z := &delivery.Zone{Name: "z1"}
	z.DisableStarttls.Store(true)
	assert.True(t, z.DisableStarttls.Load())
}
