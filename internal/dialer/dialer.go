// Package dialer establishes one outbound SMTP session per delivery
// attempt: TCP connect, EHLO, opportunistic STARTTLS with a plaintext
// retry policy, and optional AUTH. Sessions are never reused across
// deliveries, matching the teacher's net/smtp-based dialogue in
// internal/delivery/manager.go, rewritten over net/textproto so the
// caller can read the server's literal reply text for classification.
package dialer

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

// ErrCircuitOpen is returned when the per-exchange circuit breaker refuses
// a connection attempt because that exchange has been failing.
var ErrCircuitOpen = errors.New("dialer: circuit open for exchange")

// tlsFailure marks an error observed specifically during the STARTTLS
// handshake, which triggers the one-shot plaintext retry instead of
// bubbling up as an ordinary connect failure.
type tlsFailure struct{ err error }

func (t *tlsFailure) Error() string { return t.err.Error() }
func (t *tlsFailure) Unwrap() error { return t.err }

// Dialer builds Sessions against a Zone's configured exchanges. It keeps
// one circuit breaker per "exchange:ip" pair so a single consistently-down
// host does not exhaust a worker's retry budget across many deliveries.
type Dialer struct {
	logger      *slog.Logger
	connTimeout time.Duration
	tlsTimeout  time.Duration
	timers      *timers.Registry

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Dialer. A nil logger uses slog.Default(). A nil
// stageTimers simply skips TLSDowngrades accounting.
func New(logger *slog.Logger, stageTimers *timers.Registry) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		logger:      logger.With("component", "dialer"),
		connTimeout: 30 * time.Second,
		tlsTimeout:  10 * time.Second,
		timers:      stageTimers,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (d *Dialer) breakerFor(key string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("exchange circuit breaker state changed", "exchange", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[key] = cb
	return cb
}

// Dial establishes a Session to exchange:ip on behalf of zone, using
// nonce to pick a stable local egress address. It performs the entire
// connect/EHLO/STARTTLS/AUTH sequence and, on an in-band STARTTLS
// failure, flips zone.DisableStarttls and retries once in plaintext on
// the same IP before giving up.
func (d *Dialer) Dial(ctx context.Context, zone *delivery.Zone, exchange string, ip net.IP, nonce string) (*Session, error) {
	key := exchange + ":" + ip.String()
	cb := d.breakerFor(key)

	result, err := cb.Execute(func() (interface{}, error) {
		return d.dialOnce(ctx, zone, exchange, ip, nonce)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		var tf *tlsFailure
		if errors.As(err, &tf) {
			d.logger.Warn("STARTTLS failed, retrying in plaintext", "exchange", exchange, "ip", ip.String())
			zone.DisableStarttls.Store(true)
			if d.timers != nil {
				d.timers.IncrTLSDowngrade()
			}
			plain, plainErr := cb.Execute(func() (interface{}, error) {
				return d.dialOnce(ctx, zone, exchange, ip, nonce)
			})
			if plainErr != nil {
				return nil, plainErr
			}
			return plain.(*Session), nil
		}
		return nil, err
	}
	return result.(*Session), nil
}

// States reports the current gobreaker state of every exchange:ip circuit
// breaker this Dialer has opened, for the admin /zones endpoint.
func (d *Dialer) States() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := make(map[string]string, len(d.breakers))
	for key, cb := range d.breakers {
		states[key] = cb.State().String()
	}
	return states
}

func (d *Dialer) dialOnce(ctx context.Context, zone *delivery.Zone, exchange string, ip net.IP, nonce string) (*Session, error) {
	addr, ok := zone.GetAddress(nonce, ip.To4() == nil)
	helo := zone.Name
	var localAddr net.Addr
	if ok {
		helo = addr.Helo
		localAddr = &net.TCPAddr{IP: addr.IP}
	}

	netDialer := &net.Dialer{Timeout: d.connTimeout, LocalAddr: localAddr}
	target := net.JoinHostPort(ip.String(), portOrDefault(zone.Port))

	var conn net.Conn
	var err error
	if zone.Secure {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config:    trustOnFirstUseConfig(exchange),
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", target)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}

	text := textproto.NewConn(conn)
	if _, _, err := text.ReadResponse(220); err != nil {
		text.Close()
		return nil, fmt.Errorf("greeting from %s: %w", target, err)
	}

	caps, err := ehlo(text, helo)
	if err != nil {
		text.Close()
		return nil, err
	}

	if !zone.Secure && !zone.DisableStarttls.Load() && hasCapability(caps, "STARTTLS") {
		upgraded, err := startTLS(text, conn, exchange)
		if err != nil {
			text.Close()
			return nil, &tlsFailure{err: err}
		}
		conn = upgraded
		text = textproto.NewConn(conn)
		// EHLO again over the encrypted channel per RFC 3207.
		caps, err = ehlo(text, helo)
		if err != nil {
			text.Close()
			return nil, err
		}
	} else if zone.RequireTLS && !zone.Secure {
		text.Close()
		return nil, fmt.Errorf("450 TLS required by zone but exchange %s offered none", exchange)
	}

	if zone.Auth != nil {
		if err := authenticate(text, zone.Auth, caps); err != nil {
			text.Close()
			return nil, err
		}
	}

	return &Session{conn: conn, text: text, helo: helo, exchange: exchange}, nil
}

// Session is a live SMTP dialogue with one exchange. It is single-use:
// callers must Close it after exactly one Send, success or failure.
type Session struct {
	conn     net.Conn
	text     *textproto.Conn
	helo     string
	exchange string
	closed   bool
}

// LocalHelo is the HELO name actually used to establish this session, for
// the Received header.
func (s *Session) LocalHelo() string { return s.helo }

// Envelope is the MAIL FROM / RCPT TO / SIZE triple for one Send.
type Envelope struct {
	From string
	To   []string
	Size int64
}

// Send transmits one message: MAIL, RCPT(s), DATA, the header block, then
// body, dot-stuffed by net/textproto's DotWriter, and returns the
// server's final reply to DATA. The caller closes the Session regardless
// of outcome.
func (s *Session) Send(ctx context.Context, env Envelope, headers []byte, body func(w io.Writer) error) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
	}

	mailCmd := fmt.Sprintf("MAIL FROM:<%s> SIZE=%d", env.From, env.Size)
	if err := s.cmd(mailCmd, 250); err != nil {
		return "", err
	}
	for _, rcpt := range env.To {
		if err := s.cmd(fmt.Sprintf("RCPT TO:<%s>", rcpt), 250); err != nil {
			return "", err
		}
	}

	id, err := s.text.Cmd("DATA")
	if err != nil {
		return "", err
	}
	s.text.StartResponse(id)
	_, _, err = s.text.ReadResponse(354)
	s.text.EndResponse(id)
	if err != nil {
		return "", fmt.Errorf("DATA: %w", err)
	}

	dw := s.text.Writer.DotWriter()
	if _, err := dw.Write(headers); err != nil {
		dw.Close()
		return "", fmt.Errorf("writing headers: %w", err)
	}
	if err := body(dw); err != nil {
		dw.Close()
		return "", fmt.Errorf("streaming body: %w", err)
	}
	if err := dw.Close(); err != nil {
		return "", fmt.Errorf("closing data: %w", err)
	}

	code, msg, err := s.text.ReadResponse(0)
	reply := fmt.Sprintf("%d %s", code, msg)
	if err != nil {
		return reply, err
	}
	return reply, nil
}

func (s *Session) cmd(command string, expectCode int) error {
	id, err := s.text.Cmd("%s", command)
	if err != nil {
		return err
	}
	s.text.StartResponse(id)
	code, msg, err := s.text.ReadResponse(expectCode)
	s.text.EndResponse(id)
	if err != nil {
		return fmt.Errorf("%d %s", code, msg)
	}
	return nil
}

// Close tears down the TCP connection and any TLS state. Safe to call
// more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	id, err := s.text.Cmd("QUIT")
	if err == nil {
		s.text.StartResponse(id)
		s.text.ReadResponse(221)
		s.text.EndResponse(id)
	}
	return s.text.Close()
}

func ehlo(text *textproto.Conn, helo string) ([]string, error) {
	id, err := text.Cmd("EHLO %s", helo)
	if err != nil {
		return nil, err
	}
	text.StartResponse(id)
	defer text.EndResponse(id)
	_, msg, err := text.ReadResponse(250)
	if err != nil {
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	return strings.Split(msg, "\n"), nil
}

func hasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(c)), name) {
			return true
		}
	}
	return false
}

func startTLS(text *textproto.Conn, conn net.Conn, exchange string) (net.Conn, error) {
	id, err := text.Cmd("STARTTLS")
	if err != nil {
		return nil, err
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(220)
	text.EndResponse(id)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, trustOnFirstUseConfig(exchange))
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// trustOnFirstUseConfig returns a TLS config that never validates the
// remote certificate. Opportunistic TLS on the public mail network is
// explicitly trust-on-first-use by design: a self-signed or expired
// certificate must never cause a fallback to plaintext or a bounce.
func trustOnFirstUseConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
	}
}

func authenticate(text *textproto.Conn, auth *delivery.AuthCredentials, caps []string) error {
	if !hasCapability(caps, "AUTH") {
		return fmt.Errorf("535 exchange does not advertise AUTH")
	}
	// PLAIN is the least common denominator supported by essentially every
	// relay that requires outbound AUTH. It is the only mechanism sent;
	// auth.Method is not consulted.
	payload := fmt.Sprintf("\x00%s\x00%s", auth.Username, auth.Password)
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	id, err := text.Cmd("AUTH PLAIN %s", encoded)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	code, msg, err := text.ReadResponse(235)
	text.EndResponse(id)
	if err != nil {
		return fmt.Errorf("%d %s", code, msg)
	}
	return nil
}

func portOrDefault(port int) string {
	if port == 0 {
		return "25"
	}
	return fmt.Sprintf("%d", port)
}
