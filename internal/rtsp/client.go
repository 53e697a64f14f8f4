package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrInvalidResponse indicates the server did not answer with a valid RTSP response.
	ErrInvalidResponse = errors.New("invalid RTSP response")
	// ErrAuthentication indicates the server rejected the supplied credentials.
	ErrAuthentication = errors.New("RTSP authentication failed")
)

const (
	userAgent   = "camera-scanner/1.0"
	maxBodySize = 64 * 1024
)

// Response is a parsed RTSP response.
type Response struct {
	StatusCode int
	Status     string
	Header     textproto.MIMEHeader
	Body       []byte
}

// Server returns the Server header, used for vendor fingerprinting.
func (r *Response) Server() string {
	return r.Header.Get("Server")
}

// Client runs RTSP requests over a single TCP connection.
type Client struct {
	url      string
	address  string
	username string
	password string
	timeout  time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *textproto.Reader
	cseq   int
	auth   *challenge
}

// Dial connects to the server named by rawURL. Credentials embedded in the
// URL are used when the server asks for authentication.
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (*Client, error) {
	u, err := Parse(rawURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:     StripCredentials(u.String()),
		address: Address(u),
		timeout: timeout,
	}
	if u.User != nil {
		c.username = u.User.Username()
		c.password, _ = u.User.Password()
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.address, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.reader = textproto.NewReader(bufio.NewReader(conn))
	return nil
}

// Close releases the connection. It is safe to call more than once and from
// another goroutine while a request is in flight.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Describe sends DESCRIBE and retries once with credentials on 401.
// Non-2xx answers are returned as responses, not errors.
func (c *Client) Describe(ctx context.Context) (*Response, error) {
	resp, err := c.do(ctx, "DESCRIBE")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 401 || (c.username == "" && c.password == "") {
		return resp, nil
	}

	ch, err := parseChallenges(resp.Header.Values("WWW-Authenticate"))
	if err != nil {
		return resp, err
	}
	c.auth = ch

	if strings.EqualFold(resp.Header.Get("Connection"), "close") {
		_ = c.Close()
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.do(ctx, "DESCRIBE")
}

func (c *Client) do(ctx context.Context, method string) (*Response, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, net.ErrClosed
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c.cseq++
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", method, c.url)
	fmt.Fprintf(&b, "CSeq: %d\r\n", c.cseq)
	if method == "DESCRIBE" {
		b.WriteString("Accept: application/sdp\r\n")
	}
	if c.auth != nil {
		fmt.Fprintf(&b, "Authorization: %s\r\n", c.auth.authorization(method, c.url, c.username, c.password))
	}
	fmt.Fprintf(&b, "User-Agent: %s\r\n\r\n", userAgent)

	if _, err := io.WriteString(conn, b.String()); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return c.readResponse()
}

func (c *Client) readResponse() (*Response, error) {
	line, err := c.reader.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read status line: %w", err)
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "RTSP/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResponse, line)
	}
	codeStr, status, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad status code %q", ErrInvalidResponse, codeStr)
	}

	header, err := c.reader.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	resp := &Response{StatusCode: code, Status: status, Header: header}
	if n, err := strconv.Atoi(header.Get("Content-Length")); err == nil && n > 0 {
		if n > maxBodySize {
			return nil, fmt.Errorf("%w: body of %d bytes", ErrInvalidResponse, n)
		}
		resp.Body = make([]byte, n)
		if _, err := io.ReadFull(c.reader.R, resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	}
	return resp, nil
}
