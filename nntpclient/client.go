// Package nntpclient is an NNTP client, for reading and posting news on a
// server, RFC 3977.
//
// A reading session starts with the server greeting, which tells whether
// posting is allowed. The client then learns what the server implements, with
// the CAPABILITIES command on modern servers and with careful probing on old
// ones, switches to reader mode, optionally negotiates TLS with STARTTLS and
// authenticates with AUTHINFO, RFC 4643.
//
// Commands that fail because the connection was lost are transparently retried
// once on a fresh connection, with the previously selected group restored
// first. An authentication demand (code 480) in the middle of a session is
// also handled transparently when credentials are configured.
package nntpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jmeertens/sabel/nio"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
	"github.com/jmeertens/sabel/sasl"
)

var (
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sabel_nntpclient_command_duration_seconds",
			Help:    "NNTP command duration and result codes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"cmd", "code"},
	)
	metricPanic = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sabel_nntpclient_panic_total",
			Help: "Unhandled panics in nntpclient.",
		},
	)
)

var (
	ErrStatus      = errors.New("nntp server sent unexpected response status code")
	ErrProtocol    = errors.New("nntp protocol error") // After a malformed response.
	ErrTLS         = errors.New("tls error")           // E.g. handshake failure, or name verification failed.
	ErrBotched     = errors.New("nntp connection is botched")
	ErrClosed      = errors.New("client is closed")
	ErrNoGroup     = errors.New("no such newsgroup")       // 411 response.
	ErrNoArticle   = errors.New("no such article")         // 423 or 430 response.
	ErrNoPosting   = errors.New("posting not allowed")     // 201 greeting or 440 response.
	ErrAuthFailed  = errors.New("authentication failed")   // 481 or 482 response.
	ErrAuthUnknown = errors.New("no authentication method") // No usable mechanism or missing credentials.
)

// TLSMode indicates if TLS must, should or must not be used.
type TLSMode string

const (
	// TLS immediately ("snews"), directly starting TLS on the TCP connection, so
	// not using STARTTLS.
	TLSImmediate TLSMode = "immediate"

	// Required TLS with STARTTLS. The STARTTLS command is always executed, even
	// if the server does not announce support.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"

	// Use TLS with STARTTLS if remote claims to support it.
	TLSOpportunistic TLSMode = "opportunistic"

	// TLS must not be attempted.
	TLSSkip TLSMode = "skip"
)

// Client is an NNTP client for a single server connection.
//
// Use New to make a new client.
type Client struct {
	// OrigConn is the original (TCP) connection. We'll read from/write to conn,
	// which can be wrapped in a tls.Client. We close origConn instead of conn
	// because closing the TLS connection would send a TLS close notification,
	// which may block for 5s if the server isn't reading it.
	origConn net.Conn
	conn     net.Conn

	tlsMode               TLSMode
	tlsVerifyPKIX         bool
	ignoreTLSVerifyErrors bool
	rootCAs               *x509.CertPool
	remoteHostname        string // TLS with SNI and name verification.
	clientCert            *tls.Certificate
	tlsConfigOpts         *tls.Config

	opts Opts

	r        *bufio.Reader
	w        *bufio.Writer
	tr       *nio.TraceReader // Kept for changing trace levels between commands, auth and data.
	tw       *nio.TraceWriter
	log      nlog.Log
	lastlog  time.Time // For adding delta timestamps between log lines.
	cmds     []string  // Last or active command, for generating errors and metrics.
	cmdStart time.Time // Start of command.
	tls      bool      // Whether connection is TLS protected.

	botched       bool // If set, protocol is out of sync and no further commands can be sent.
	authenticated bool

	postingOK bool   // From 200/201 greeting, or later MODE READER response.
	banner    string // Greeting text after the code.

	hasCapabilities   bool // Server implements CAPABILITIES.
	capReader         bool
	capStartTLS       bool
	capAuthinfoUser   bool
	hasDate           bool
	hasListgroup      bool
	hasListgroupRange bool // Range argument to LISTGROUP, RFC 3977 servers only.
	hasListNewsgroups bool
	hasXGTitle        bool
	hasOver           bool // OVER, RFC 3977.
	hasXOver          bool // Pre-standard XOVER.
	authMechanisms    []string // From SASL capability line.
	overviewFmt       []nntp.OverviewField

	// Currently selected group, reselected after a reconnect. Zero values when
	// no group is selected.
	group      string
	groupCount nntp.Anum
	groupFirst nntp.Anum
	groupLast  nntp.Anum
}

// Error represents a failure of an NNTP command.
//
// Code, Command and Line are only set for NNTP-level errors, and are zero
// values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of a 4xx or 5xx response.
	// NNTP has no transient/permanent split in its codes, i/o errors are
	// transient, response errors permanent.
	Permanent bool
	// NNTP response status, e.g. 2xx for success.
	Code int
	// NNTP command causing failure.
	Command string
	// For errors due to NNTP responses, the full response line excluding CRLF.
	Line string
	// Underlying error, e.g. one of the Err variables in this package, or io
	// errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// If Auth is non-nil, it is called to get the SASL client for an AUTHINFO
	// SASL exchange. The function should select the preferred mechanism.
	// Mechanisms are in upper case. The TLS connection state is only present
	// for TLS connections. If a nil client and nil error is returned, the
	// built-in mechanism selection with User/Password is used instead.
	Auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)

	// Credentials for built-in authentication. Used for AUTHINFO USER/PASS and
	// for the PLAIN and CRAM-MD5 SASL mechanisms.
	User     string
	Password string

	// If not empty, the authentication methods to try, in order, overriding
	// what the server advertises. "USER" means AUTHINFO USER/PASS, other
	// entries are SASL mechanism names.
	AuthMethods []string

	// If set, TLS verification errors are ignored.
	IgnoreTLSVerifyErrors bool

	// If not nil, used instead of the system default roots for TLS PKIX
	// verification.
	RootCAs *x509.CertPool

	// If set, TLS client certificate authentication is done.
	ClientCert *tls.Certificate

	// If not nil, the TLS config to use instead of the default.
	TLSConfig *tls.Config

	// If not nil, Dialer is used to make a new connection when the current one
	// fails, enabling transparent retry of the failed command.
	Dialer func(ctx context.Context) (net.Conn, error)

	// If not nil, Question is asked when a reconnect attempt fails. Return
	// true to dial again, false to give up, failing the command that
	// triggered the reconnect.
	Question func(msg string) bool
}

// New initializes an NNTP session on the given connection, returning a client
// that can be used to read and post news.
//
// New optionally starts TLS (for "snews" connections), reads the server
// greeting, determines server capabilities, switches to reader mode and
// initializes TLS with STARTTLS if remote supports it. Authentication happens
// on demand, when the server responds with code 480 or when Authenticate is
// called. If successful, a client is returned on which eventually Close must
// be called. Otherwise an error is returned and the caller is responsible for
// closing the connection.
//
// tlsMode indicates if and how TLS may/must (not) be used. tlsVerifyPKIX
// indicates if TLS certificates must be validated against the PKIX/WebPKI
// certificate authorities (if TLS is done).
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, tlsMode TLSMode, tlsVerifyPKIX bool, remoteHostname string, opts Opts) (*Client, error) {
	c := &Client{
		tlsMode:               tlsMode,
		tlsVerifyPKIX:         tlsVerifyPKIX,
		ignoreTLSVerifyErrors: opts.IgnoreTLSVerifyErrors,
		rootCAs:               opts.RootCAs,
		remoteHostname:        remoteHostname,
		clientCert:            opts.ClientCert,
		tlsConfigOpts:         opts.TLSConfig,
		opts:                  opts,
		lastlog:               time.Now(),
		cmds:                  []string{"(none)"},
	}
	c.log = nlog.New("nntpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	if err := c.start(ctx, conn); err != nil {
		return nil, err
	}
	return c, nil
}

// start initializes the session on conn: optional immediate TLS, greeting,
// capabilities, reader mode, STARTTLS. Also used after a reconnect.
func (c *Client) start(ctx context.Context, conn net.Conn) (rerr error) {
	defer c.recover(&rerr)

	c.origConn = conn
	c.botched = false
	c.authenticated = false

	if c.tlsMode == TLSImmediate {
		config := c.tlsConfig()
		tlsconn := tls.Client(conn, config)
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("%w: immediate TLS handshake: %v", ErrTLS, err)
		}
		c.conn = tlsconn
		version, ciphersuite := nio.TLSInfo(tlsconn)
		c.log.Debug("tls client handshake done",
			slog.String("version", version),
			slog.String("ciphersuite", ciphersuite),
			slog.String("servername", c.remoteHostname))
		c.tls = true
	} else {
		c.conn = conn
		c.tls = false
	}

	// We don't wrap reads in a timeoutReader for fear of an optional TLS wrapper
	// doing reads without the client asking for it. Such reads could result in a
	// timeout error.
	c.tr = nio.NewTraceReader(c.log, "RS: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.tw = nio.NewTraceWriter(c.log, "LC: ", timeoutWriter{c.conn, 30 * time.Second, c.log})
	c.w = bufio.NewWriter(c.tw)

	// Read greeting.
	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	code, text, line := c.xread1()
	switch code {
	case nntp.C200ReadyPost:
		c.postingOK = true
	case nntp.C201ReadyNoPost:
		c.postingOK = false
	default:
		c.xerrorf(true, code, line, "%w: expected 200 or 201 greeting, got %d", ErrStatus, code)
	}
	c.banner = text

	c.xcapabilities()

	// Switch to reader mode when the server doesn't already present the reader
	// interface. Old servers without CAPABILITIES need this to reach a feeding
	// frontend's reading backend. The response is a fresh greeting code, and
	// capabilities may change.
	if !c.capReader {
		c.cmds[0] = "modereader"
		c.cmdStart = time.Now()
		c.xwriteline("MODE READER")
		code, _, line = c.xread1()
		switch code {
		case nntp.C200ReadyPost:
			c.postingOK = true
		case nntp.C201ReadyNoPost:
			c.postingOK = false
		case nntp.C500Unknown, nntp.C501Syntax, nntp.C502Permission:
			// Server is already a reader.
		default:
			c.xerrorf(true, code, line, "%w: MODE READER: got %d", ErrStatus, code)
		}
		if c.hasCapabilities {
			c.xcapabilities()
		}
	}

	// Attempt TLS if remote understands STARTTLS and we aren't doing immediate
	// TLS, or if caller requires it.
	if !c.tls && (c.capStartTLS && c.tlsMode == TLSOpportunistic || c.tlsMode == TLSRequiredStartTLS) {
		c.log.Debug("starting tls client", slog.Any("tlsmode", c.tlsMode), slog.String("servername", c.remoteHostname))
		c.cmds[0] = "starttls"
		c.cmdStart = time.Now()
		c.xwriteline("STARTTLS")
		code, _, line = c.xread1()
		if code != nntp.C382ContinueTLS {
			c.xerrorf(true, code, line, "%w: STARTTLS: got %d, expected 382", ErrTLS, code)
		}

		// We don't want to do TLS on top of c.r because it also prints protocol
		// traces: we don't want to log the TLS stream. So we'll do TLS on the
		// underlying connection, but make sure any bytes already read and in the
		// buffer are used for the TLS handshake.
		conn := c.conn
		if n := c.r.Buffered(); n > 0 {
			conn = &nio.PrefixConn{
				PrefixReader: io.LimitReader(c.r, int64(n)),
				Conn:         conn,
			}
		}

		tlsConfig := c.tlsConfig()
		nconn := tls.Client(conn, tlsConfig)
		c.conn = nconn

		nctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := nconn.HandshakeContext(nctx)
		if err != nil {
			c.xerrorf(false, 0, "", "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		cancel()
		c.tr = nio.NewTraceReader(c.log, "RS: ", c.conn)
		c.tw = nio.NewTraceWriter(c.log, "LC: ", c.conn) // No need to wrap in timeoutWriter, it would just set the timeout on the underlying connection, which is still active.
		c.r = bufio.NewReader(c.tr)
		c.w = bufio.NewWriter(c.tw)

		version, ciphersuite := nio.TLSInfo(nconn)
		c.log.Debug("starttls client handshake done",
			slog.Any("tlsmode", c.tlsMode),
			slog.Bool("verifypkix", c.tlsVerifyPKIX),
			slog.String("version", version),
			slog.String("ciphersuite", ciphersuite),
			slog.String("servername", c.remoteHostname))
		c.tls = true

		// Capabilities can change after TLS, e.g. authentication mechanisms.
		c.xcapabilities()
	}

	c.xattemptFeatures()
	return
}

func (c *Client) tlsConfig() *tls.Config {
	if c.tlsConfigOpts != nil {
		return c.tlsConfigOpts
	}

	var certs []tls.Certificate
	if c.clientCert != nil {
		certs = []tls.Certificate{*c.clientCert}
	}

	return &tls.Config{
		ServerName:         c.remoteHostname, // For SNI.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.tlsVerifyPKIX || c.ignoreTLSVerifyErrors,
		RootCAs:            c.rootCAs,
		Certificates:       certs,
	}
}

// xcapabilities fetches the capability list, RFC 3977 section 5.2, and updates
// the feature flags. Absence of CAPABILITIES is not an error, old servers are
// probed later.
func (c *Client) xcapabilities() {
	c.cmds[0] = "capabilities"
	c.cmdStart = time.Now()
	c.xwriteline("CAPABILITIES")
	code, _, _ := c.xread1()
	if code != nntp.C101Capabilities {
		c.hasCapabilities = false
		return
	}
	c.hasCapabilities = true
	c.capReader = false
	c.capStartTLS = false
	c.capAuthinfoUser = false
	c.hasOver = false
	c.hasListNewsgroups = false
	c.authMechanisms = nil
	c.xreadDotLines(func(line []byte) error {
		if line == nil {
			return nil
		}
		t := strings.Fields(string(line))
		if len(t) == 0 {
			return nil
		}
		switch strings.ToUpper(t[0]) {
		case "READER":
			c.capReader = true
		case "STARTTLS":
			c.capStartTLS = true
		case "AUTHINFO":
			for _, arg := range t[1:] {
				if strings.EqualFold(arg, "USER") {
					c.capAuthinfoUser = true
				}
			}
		case "SASL":
			for _, m := range t[1:] {
				c.authMechanisms = append(c.authMechanisms, strings.ToUpper(m))
			}
		case "OVER":
			c.hasOver = true
		case "LIST":
			for _, arg := range t[1:] {
				if strings.EqualFold(arg, "NEWSGROUPS") {
					c.hasListNewsgroups = true
				}
			}
		}
		return nil
	})
	if c.capReader {
		// DATE and LISTGROUP, including its range argument, are mandatory for
		// servers advertising READER.
		c.hasDate = true
		c.hasListgroup = true
		c.hasListgroupRange = true
	}
}

// xattemptFeatures probes for features on servers without CAPABILITIES, and
// fetches the overview format when overviews are available. Probing sends
// harmless commands and classifies the response: a 500-range "unknown command"
// means unsupported, anything else, including errors about a missing group
// selection, means the command exists.
func (c *Client) xattemptFeatures() {
	unknown := func(code int) bool {
		return code == nntp.C500Unknown || code == nntp.C501Syntax || code == nntp.C502Permission || code == nntp.C503Fail
	}
	drain := func(code, okcode int) {
		if code == okcode {
			c.xreadDotLines(func(line []byte) error { return nil })
		}
	}

	if !c.hasCapabilities {
		c.cmds[0] = "date"
		c.cmdStart = time.Now()
		c.xwriteline("DATE")
		code, _, _ := c.xread1()
		c.hasDate = !unknown(code)

		c.cmds[0] = "listgroup"
		c.cmdStart = time.Now()
		c.xwriteline("LISTGROUP")
		code, _, _ = c.xread1()
		c.hasListgroup = !unknown(code)
		drain(code, nntp.C211Group)

		c.cmds[0] = "listnewsgroups"
		c.cmdStart = time.Now()
		c.xwriteline("LIST NEWSGROUPS +")
		code, _, _ = c.xread1()
		c.hasListNewsgroups = !unknown(code)
		drain(code, nntp.C215List)

		if !c.hasListNewsgroups {
			c.cmds[0] = "xgtitle"
			c.cmdStart = time.Now()
			c.xwriteline("XGTITLE +")
			code, _, _ = c.xread1()
			c.hasXGTitle = !unknown(code)
			drain(code, nntp.C282XGTitle)
		}
	}

	if !c.hasOver {
		c.cmds[0] = "xover"
		c.cmdStart = time.Now()
		c.xwriteline("XOVER")
		code, _, _ := c.xread1()
		c.hasXOver = !unknown(code)
		drain(code, nntp.C224Overview)
	}

	if c.hasOver || c.hasXOver {
		c.cmds[0] = "overviewfmt"
		c.cmdStart = time.Now()
		c.xwriteline("LIST OVERVIEW.FMT")
		code, _, _ := c.xread1()
		if code == nntp.C215List {
			var lines []string
			c.xreadDotLines(func(line []byte) error {
				if line != nil {
					lines = append(lines, string(line))
				}
				return nil
			})
			c.overviewFmt = nntp.ParseOverviewFmt(lines)
		}
	}
	if c.overviewFmt == nil {
		c.overviewFmt = nntp.DefaultOverviewFmt()
	}
}

// xbotchf generates a temporary error and marks the client as botched. e.g.
// for i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, line string, format string, args ...any) {
	panic(c.botchf(code, line, format, args...))
}

// botchf generates a temporary error and marks the client as botched.
func (c *Client) botchf(code int, line string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, line, format, args...)
}

func (c *Client) errorf(permanent bool, code int, line string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, cmd, line, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, line string, format string, args ...any) {
	panic(c.errorf(permanent, code, line, format, args...))
}

// timeoutWriter passes each Write on to conn after setting a write deadline on
// conn based on timeout.
type timeoutWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     nlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		w.log.Errorx("setting write deadline", err)
	}

	return w.conn.Write(buf)
}

var bufs = nio.NewBufpool(8, 2*1024)

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	line, err := bufs.Readline(c.log, c.r)
	if err != nil {
		return line, c.botchf(0, "", "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return line, nil
}

func (c *Client) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(nlog.LevelTrace)
		c.tw.SetTrace(nlog.LevelTrace)
	}
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	_, err := fmt.Fprintf(c.w, "%s\r\n", line)
	if err != nil {
		c.xbotchf(0, "", "write: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	err := c.w.Flush()
	if err != nil {
		c.xbotchf(0, "", "writes: %w", err)
	}
}

// xread1 reads a single status line: a three-digit code followed by optional
// text. NNTP has no multi-line status responses, multi-line data blocks are
// read separately with xreadDotLines.
func (c *Client) xread1() (code int, text, line string) {
	var err error
	code, text, line, err = c.read1()
	if err != nil {
		panic(err)
	}
	return
}

func (c *Client) read1() (code int, text, line string, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, line, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, line, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	text = strings.TrimPrefix(line[3:], " ")

	cmd := ""
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
		// We only keep the last, so we're not creating new slices all the time.
		if len(c.cmds) > 1 {
			c.cmds = c.cmds[1:]
		}
	}
	metricCommands.WithLabelValues(cmd, fmt.Sprintf("%d", code)).Observe(float64(time.Since(c.cmdStart)) / float64(time.Second))
	c.log.Debug("nntpclient command result",
		slog.String("cmd", cmd),
		slog.Int("code", code),
		slog.Duration("duration", time.Since(c.cmdStart)))
	return code, text, line, nil
}

// xreadDotLines reads a dot-terminated multi-line data block, RFC 3977 section
// 3.1.1. Each line is passed to fn with the CRLF and any leading stuffing dot
// removed, and fn is called a final time with a nil line after the terminating
// dot. Lines longer than the read buffer are reassembled before the callback
// sees them. If fn returns an error, the rest of the block is still drained to
// keep the protocol in sync, and the error is raised afterwards.
func (c *Client) xreadDotLines(fn func(line []byte) error) {
	var fnerr error
	var acc []byte
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			c.log.Errorx("setting read deadline", err)
		}
		slice, err := c.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			acc = append(acc, slice...)
			continue
		} else if err == io.EOF {
			c.xbotchf(0, "", "%s: %w", strings.Join(c.cmds, ","), io.ErrUnexpectedEOF)
		} else if err != nil {
			c.xbotchf(0, "", "%s: reading data block: %w", strings.Join(c.cmds, ","), err)
		}
		line := slice
		if len(acc) > 0 {
			acc = append(acc, slice...)
			line = acc
		}
		if n := len(line); n > 0 && line[n-1] == '\n' {
			line = line[:n-1]
		}
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) == 1 && line[0] == '.' {
			if fnerr == nil {
				fnerr = fn(nil)
			}
			if fnerr != nil {
				panic(c.errorf(false, 0, "", "processing response line: %w", fnerr))
			}
			return
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		if fnerr == nil {
			fnerr = fn(line)
		}
		acc = acc[:0]
	}
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		metricPanic.Inc()
		panic(x)
	}
	*rerr = cerr
}

// reconnect dials a new connection and initializes a fresh session on it,
// restoring the previously selected group. A failed attempt is put to the
// Question callback when configured, answering yes dials again.
func (c *Client) reconnect(ctx context.Context) error {
	if c.opts.Dialer == nil {
		return ErrBotched
	}
	c.log.Debug("reconnecting", slog.String("group", c.group))
	if c.origConn != nil {
		err := c.origConn.Close()
		c.log.Check(err, "closing broken connection")
		if c.conn != c.origConn {
			c.conn.Close()
		}
		c.origConn = nil
		c.conn = nil
	}
	for {
		conn, err := c.opts.Dialer(ctx)
		if err != nil {
			err = fmt.Errorf("redialing: %w", err)
		} else if err = c.start(ctx, conn); err != nil {
			xerr := conn.Close()
			c.log.Check(xerr, "closing connection after failed session setup")
			c.origConn = nil
			c.conn = nil
		}
		if err == nil {
			break
		}
		if c.opts.Question == nil || !c.opts.Question(fmt.Sprintf("reconnecting to %s failed: %v. try again?", c.remoteHostname, err)) {
			return err
		}
		c.log.Debug("retrying reconnect after confirmation")
	}
	if c.group != "" {
		// Restore group selection on the new connection.
		name := c.group
		c.group = ""
		_, _, _, err := c.Group(ctx, name)
		if err != nil {
			return fmt.Errorf("reselecting group %s: %w", name, err)
		}
	}
	return nil
}

func (c *Client) canAuth() bool {
	return !c.authenticated && (c.opts.Auth != nil || c.opts.User != "")
}

// Authenticate performs AUTHINFO authentication, RFC 4643. The mechanisms
// tried are, in order of preference: the configured AuthMethods, or the
// mechanisms the server advertised plus AUTHINFO USER when the server allows
// it. With an Opts.Auth function, that function picks the SASL client instead.
func (c *Client) Authenticate(ctx context.Context) (rerr error) {
	defer c.recover(&rerr)

	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	mechs := c.opts.AuthMethods
	if len(mechs) == 0 {
		mechs = append(mechs, c.authMechanisms...)
		if c.capAuthinfoUser || !c.hasCapabilities {
			mechs = append(mechs, "USER")
		}
	}

	if c.opts.Auth != nil {
		a, err := c.opts.Auth(mechs, c.TLSConnectionState())
		if err != nil {
			c.xerrorf(true, 0, "", "get authentication mechanism: %s, server supports %s", err, strings.Join(mechs, ", "))
		}
		if a != nil {
			if err := c.authSASL(a); err != nil {
				return err
			}
			c.authenticated = true
			return nil
		}
	}

	if c.opts.User == "" {
		c.xerrorf(true, 0, "", "%w: no credentials configured", ErrAuthUnknown)
	}

	var lastErr error
	for _, m := range mechs {
		var err error
		switch strings.ToUpper(m) {
		case "USER":
			err = c.authUser()
		case "PLAIN":
			err = c.authSASL(sasl.NewClientPlain(c.opts.User, c.opts.Password))
		case "CRAM-MD5":
			err = c.authSASL(sasl.NewClientCRAMMD5(c.opts.User, c.opts.Password))
		case "EXTERNAL":
			err = c.authSASL(sasl.NewClientExternal(c.opts.User))
		default:
			c.log.Debug("skipping unsupported authentication mechanism", slog.String("mechanism", m))
			continue
		}
		if err == nil {
			c.authenticated = true
			return nil
		}
		lastErr = err
		if c.botched {
			return err
		}
		c.log.Debugx("authentication mechanism failed, trying next", err, slog.String("mechanism", m))
	}
	if lastErr != nil {
		return lastErr
	}
	c.xerrorf(true, 0, "", "%w: no matching mechanism, tried %s", ErrAuthUnknown, strings.Join(mechs, ", "))
	return
}

// authUser does the original AUTHINFO USER/PASS exchange. Credentials go over
// the wire in clear text, trace logging masks them.
func (c *Client) authUser() (rerr error) {
	defer c.recover(&rerr)

	c.cmds[0] = "authinfouser"
	c.cmdStart = time.Now()
	defer c.xtrace(nlog.LevelTraceauth)()
	c.xwriteline("AUTHINFO USER " + c.opts.User)
	code, _, line := c.xread1()
	if code == nntp.C381PasswordReq {
		c.cmds[0] = "authinfopass"
		c.cmdStart = time.Now()
		c.xwriteline("AUTHINFO PASS " + c.opts.Password)
		code, _, line = c.xread1()
	}
	if code != nntp.C281AuthAccepted {
		c.xerrorf(true, code, line, "%w: got %d, expected 281", ErrAuthFailed, code)
	}
	return
}

func (c *Client) authSASL(a sasl.Client) (rerr error) {
	defer c.recover(&rerr)

	name, cleartextCreds := a.Info()

	c.cmds[0] = "authinfosasl"
	c.cmdStart = time.Now()

	abort := func() {
		// Abort the SASL exchange. The server responds with 481.
		c.xwriteline("*")
		code, _, _ := c.xread1()
		if code != nntp.C481AuthRejected && code != nntp.C501Syntax {
			c.botched = true
		}
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartextCreds {
		defer c.xtrace(nlog.LevelTraceauth)()
	}
	if toserver == nil {
		c.xwriteline("AUTHINFO SASL " + name)
	} else if len(toserver) == 0 {
		c.xwriteline("AUTHINFO SASL " + name + " =")
	} else {
		c.xwriteline("AUTHINFO SASL " + name + " " + base64.StdEncoding.EncodeToString(toserver))
	}
	for {
		if cleartextCreds && last {
			c.xtrace(nlog.LevelTrace) // Restore.
		}

		code, text, line := c.xread1()
		switch code {
		case nntp.C281AuthAccepted, nntp.C283AuthAccepted:
			if !last {
				c.xerrorf(false, code, line, "server completed authentication earlier than client expected")
			}
			return nil
		case nntp.C383Continue:
			if last {
				c.xerrorf(false, code, line, "server requested unexpected continuation of authentication")
			}
			fromserver, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				abort()
				c.xerrorf(false, code, line, "malformed base64 data in authentication continuation response")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				abort()
				c.xerrorf(false, code, line, "client aborted authentication: %w", err)
			}
			c.xwriteline(base64.StdEncoding.EncodeToString(toserver))
		default:
			c.xerrorf(true, code, line, "%w: unexpected response during authentication, expected 383 continue or 281 success", ErrAuthFailed)
		}
	}
}

// PostingAllowed returns whether the server greeting announced that posting is
// allowed.
func (c *Client) PostingAllowed() bool {
	return c.postingOK
}

// Banner returns the text of the server greeting.
func (c *Client) Banner() string {
	return c.banner
}

// SupportsOver returns whether the server implements OVER or XOVER for
// fetching overview data.
func (c *Client) SupportsOver() bool {
	return c.hasOver || c.hasXOver
}

// SupportsListgroup returns whether the server implements LISTGROUP.
func (c *Client) SupportsListgroup() bool {
	return c.hasListgroup
}

// OverviewFmt returns the overview format in use for parsing OVER responses.
func (c *Client) OverviewFmt() []nntp.OverviewField {
	return c.overviewFmt
}

// TLSConnectionState returns TLS details if TLS is enabled, and nil otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		cs := tlsConn.ConnectionState()
		return &cs
	}
	return nil
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state.
func (c *Client) Botched() bool {
	return c.botched || c.origConn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent and
// the response read with a short timeout before closing the underlying
// connection.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if _, err := bufs.Readline(c.log, c.r); err != nil {
			rerr = fmt.Errorf("reading response to quit command: %v", err)
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.origConn.Close()
	if c.conn != c.origConn {
		// This is the TLS connection. Close will attempt to write a close
		// notification. But it will fail quickly because the underlying socket was
		// closed.
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
