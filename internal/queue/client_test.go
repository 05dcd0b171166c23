package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-outbound/internal/bounce"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

// fakeQueueServer accepts one connection and answers exactly one framed
// request with a canned response, mirroring the length-prefixed JSON
// scheme client.go writes.
func fakeQueueServer(t *testing.T, ln net.Listener, respond func(req frame) frame) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	var length [4]byte
	_, err = fullReadTest(conn, length[:])
	require.NoError(t, err)
	buf := make([]byte, binary.BigEndian.Uint32(length[:]))
	_, err = fullReadTest(conn, buf)
	require.NoError(t, err)

	var req frame
	require.NoError(t, json.Unmarshal(buf, &req))

	resp := respond(req)
	encoded, err := json.Marshal(resp)
	require.NoError(t, err)
	var respLen [4]byte
	binary.BigEndian.PutUint32(respLen[:], uint32(len(encoded)))
	_, err = conn.Write(respLen[:])
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)
}

func fullReadTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func dialTestClient(t *testing.T, ln net.Listener) *Client {
	c, err := Dial(context.Background(), ln.Addr().String(), timers.New(time.Minute))
	require.NoError(t, err)
	return c
}

func TestClientGetEmpty(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeQueueServer(t, ln, func(req frame) frame {
		assert.Equal(t, cmdGet, req.Command)
		body, _ := json.Marshal(getResponse{Empty: true})
		return frame{Command: cmdGet, Body: body}
	})

	c := dialTestClient(t, ln)
	defer c.Close()

	d, lock, ok, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
	assert.Empty(t, lock)
}

func TestClientGetReturnsDelivery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeQueueServer(t, ln, func(req frame) frame {
		body, _ := json.Marshal(getResponse{
			Lock: "lock-1",
			Delivery: &deliveryWire{
				ID: "m1", Seq: 1, From: "a@x.test", To: []string{"b@y.test"},
				Domain: "y.test", BodySize: 10, MessageID: "<m1@x.test>",
				Headers: []headerWire{{Name: "Subject", Value: "hi"}},
			},
		})
		return frame{Command: cmdGet, Body: body}
	})

	c := dialTestClient(t, ln)
	defer c.Close()

	d, lock, ok, err := c.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lock-1", lock)
	assert.Equal(t, "m1", d.ID)
	assert.Equal(t, "y.test", d.Domain)
	assert.Equal(t, 1, d.Headers.Len())
}

func TestClientReleaseSurfacesServerError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeQueueServer(t, ln, func(req frame) frame {
		assert.Equal(t, cmdRelease, req.Command)
		return frame{Command: cmdRelease, Err: "unknown lock"}
	})

	c := dialTestClient(t, ln)
	defer c.Close()

	err = c.Release(context.Background(), "m1", 1, "stale-lock")
	assert.Error(t, err)
}

func TestClientBounceEncodesHeadersAndTimestamp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakeQueueServer(t, ln, func(req frame) frame {
		assert.Equal(t, cmdBounce, req.Command)
		var got bounceRequest
		require.NoError(t, json.Unmarshal(req.Body, &got))
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "5.1.1", got.Category)
		require.Len(t, got.Headers, 1)
		assert.Equal(t, headerWire{Name: "Subject", Value: "hi"}, got.Headers[0])
		_, parseErr := time.Parse(time.RFC3339, got.Time)
		assert.NoError(t, parseErr)
		return frame{Command: cmdBounce}
	})

	c := dialTestClient(t, ln)
	defer c.Close()

	err = c.Bounce(context.Background(), bounce.InternalBounce{
		ID: "m1", Seq: 1, From: "a@x.test", To: []string{"b@y.test"},
		Headers: delivery.NewHeaderBlock(delivery.Header{Name: "Subject", Value: "hi"}),
		Category: "5.1.1", Time: time.Now(), Response: "550 5.1.1 no such user",
	})
	require.NoError(t, err)
}
