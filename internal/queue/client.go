// Package queue is the client side of the request/response channel to
// the queue authority: GET, RELEASE, DEFER, BOUNCE, multiplexed onto one
// length-prefixed JSON frame stream over a single TCP connection. The
// queue authority itself (the server, its on-disk message store, its
// own retry scheduling) is out of scope, exactly as the teacher's own
// internal/queue/manager.go command surface (AddAttempt, MoveMessage,
// DeleteMessage) was the server-side counterpart of a protocol this
// client only speaks the far end of.
package queue

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/busybox42/elemta-outbound/internal/bounce"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

// Client is a single-connection, single-in-flight-command client to the
// queue authority. Every exported method blocks until that command's
// response arrives before another may be issued, per spec.md §4.6 ("the
// worker never issues a second command before the prior reply").
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	rw   *bufio.ReadWriter

	timers *timers.Registry
}

// Dial connects to the queue authority at addr.
func Dial(ctx context.Context, addr string, reg *timers.Registry) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("queue: connecting to %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		rw:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		timers: reg,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Get requests the next available Delivery. ok is false when the queue
// is currently empty (not an error).
func (c *Client) Get(ctx context.Context) (d *delivery.Delivery, lock string, ok bool, err error) {
	defer c.timers.Time("Command:GET")()

	var resp getResponse
	if err := c.roundTrip(ctx, cmdGet, nil, &resp); err != nil {
		return nil, "", false, err
	}
	if resp.Empty {
		return nil, "", false, nil
	}
	return fromWire(resp.Delivery), resp.Lock, true, nil
}

// Release acknowledges a terminal success or permanent failure for
// (id, seq), releasing lock.
func (c *Client) Release(ctx context.Context, id string, seq int, lock string) error {
	defer c.timers.Time("Command:RELEASE")()
	return c.roundTrip(ctx, cmdRelease, releaseRequest{ID: id, Seq: seq, Lock: lock}, nil)
}

// Defer requeues (id, seq) for retry after ttl, releasing lock.
func (c *Client) Defer(ctx context.Context, id string, seq int, lock string, ttl time.Duration) error {
	defer c.timers.Time("Command:DEFER")()
	return c.roundTrip(ctx, cmdDefer, deferRequest{ID: id, Seq: seq, Lock: lock, TTL: ttl.Milliseconds()}, nil)
}

// Bounce emits the internal bounce-message command so the queue
// authority can compose and send a bounce to the original sender.
func (c *Client) Bounce(ctx context.Context, b bounce.InternalBounce) error {
	defer c.timers.Time("Command:BOUNCE")()

	headers := make([]headerWire, 0, b.Headers.Len())
	for i := 0; i < b.Headers.Len(); i++ {
		h, _ := b.Headers.At(i)
		headers = append(headers, headerWire{Name: h.Name, Value: h.Value})
	}
	return c.roundTrip(ctx, cmdBounce, bounceRequest{
		ID: b.ID, Seq: b.Seq, From: b.From, To: b.To, Headers: headers,
		ReturnPath: b.ReturnPath, Category: b.Category,
		Time: b.Time.Format(time.RFC3339), Response: b.Response,
	}, nil)
}

// roundTrip sends one framed command and decodes its response body into
// out (nil to discard it), surfacing a non-empty response Err as a Go
// error.
func (c *Client) roundTrip(ctx context.Context, command string, body, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}

	var raw json.RawMessage
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("queue: encoding %s request: %w", command, err)
		}
		raw = encoded
	}

	if err := writeFrame(c.rw, frame{Command: command, Body: raw}); err != nil {
		return fmt.Errorf("queue: sending %s: %w", command, err)
	}
	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("queue: flushing %s: %w", command, err)
	}

	resp, err := readFrame(c.rw)
	if err != nil {
		return fmt.Errorf("queue: reading %s response: %w", command, err)
	}
	if resp.Err != "" {
		return fmt.Errorf("queue: %s rejected: %s", command, resp.Err)
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("queue: decoding %s response: %w", command, err)
		}
	}
	return nil
}

// writeFrame and readFrame implement a trivial length-prefixed JSON
// framing: a 4-byte big-endian length followed by that many bytes of
// JSON, matching the teacher's consistent use of encoding/json for all
// on-disk and over-the-wire metadata (internal/smtp/delivery.go's
// MessageInfo persistence).
func writeFrame(w *bufio.ReadWriter, f frame) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(encoded)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

func readFrame(r *bufio.ReadWriter) (frame, error) {
	var length [4]byte
	if _, err := fullRead(r, length[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(length[:])
	buf := make([]byte, n)
	if _, err := fullRead(r, buf); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func fullRead(r *bufio.ReadWriter, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
