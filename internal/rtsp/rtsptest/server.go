// Package rtsptest provides an in-process RTSP server for tests.
package rtsptest

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Request is a request received by the test server.
type Request struct {
	Method string
	URL    string
	Header textproto.MIMEHeader
}

// Path returns the path and query of the request URL.
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	return u.RequestURI()
}

// Response is the answer to a Request. Hang keeps the connection open
// without answering until the server is closed.
type Response struct {
	Status int
	Header map[string]string
	Body   string
	Hang   bool
}

// Handler answers requests.
type Handler func(*Request) Response

// Server is a TCP RTSP server listening on 127.0.0.1.
type Server struct {
	Host string
	Port int

	ln      net.Listener
	handler Handler
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	requests []Request
}

// NewServer starts a server that answers with h.
func NewServer(h Handler) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("rtsptest: failed to listen: %v", err))
	}
	addr := ln.Addr().(*net.TCPAddr)

	s := &Server{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		ln:      ln,
		handler: h,
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

// URL returns an rtsp URL on the server for path.
func (s *Server) URL(path string) string {
	return fmt.Sprintf("rtsp://%s%s", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), path)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Close stops the server and releases hanging connections.
func (s *Server) Close() {
	close(s.done)
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	go func() {
		<-s.done
		_ = conn.Close()
	}()

	r := textproto.NewReader(bufio.NewReader(conn))
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return
		}
		header, err := r.ReadMIMEHeader()
		if err != nil {
			return
		}

		req := Request{Method: parts[0], URL: parts[1], Header: header}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		resp := s.handler(&req)
		if resp.Hang {
			<-s.done
			return
		}

		var b strings.Builder
		fmt.Fprintf(&b, "RTSP/1.0 %d %s\r\n", resp.Status, statusText(resp.Status))
		fmt.Fprintf(&b, "CSeq: %s\r\n", header.Get("CSeq"))
		for k, v := range resp.Header {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		if resp.Body != "" {
			fmt.Fprintf(&b, "Content-Type: application/sdp\r\nContent-Length: %d\r\n", len(resp.Body))
		}
		b.WriteString("\r\n")
		b.WriteString(resp.Body)

		if _, err := conn.Write([]byte(b.String())); err != nil {
			return
		}
	}
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 401:
		return "Unauthorized"
	case 404:
		return "Not Found"
	default:
		return "Status"
	}
}

// BasicAuthorized reports whether req carries Basic credentials user:pass.
func BasicAuthorized(req *Request, user, pass string) bool {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	return req.Header.Get("Authorization") == want
}

// Streams answers DESCRIBE with sdp for every path in paths, guarded by Basic
// authentication with user/pass, and 404 elsewhere.
func Streams(user, pass, server string, paths map[string]string) Handler {
	return func(req *Request) Response {
		hdr := map[string]string{}
		if server != "" {
			hdr["Server"] = server
		}
		if !BasicAuthorized(req, user, pass) {
			hdr["WWW-Authenticate"] = `Basic realm="camera"`
			return Response{Status: 401, Header: hdr}
		}
		sdp, ok := paths[req.Path()]
		if !ok {
			return Response{Status: 404, Header: hdr}
		}
		return Response{Status: 200, Header: hdr, Body: sdp}
	}
}

// Hang never answers.
func Hang() Handler {
	return func(*Request) Response { return Response{Hang: true} }
}

// DigestAuthorized reports whether req carries a valid RFC 2069 Digest answer
// for the given credentials, realm and nonce.
func DigestAuthorized(req *Request, user, pass, realm, nonce string) bool {
	auth, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Digest ")
	if !ok {
		return false
	}
	params := make(map[string]string)
	for _, part := range strings.Split(auth, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			params[k] = strings.Trim(v, `"`)
		}
	}
	if params["username"] != user || params["realm"] != realm || params["nonce"] != nonce {
		return false
	}
	ha1 := md5hex(user + ":" + realm + ":" + pass)
	ha2 := md5hex(req.Method + ":" + params["uri"])
	return params["response"] == md5hex(ha1+":"+nonce+":"+ha2)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
