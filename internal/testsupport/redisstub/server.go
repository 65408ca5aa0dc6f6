// Package redisstub runs a tiny in-process RESP2 server that understands the
// handful of commands the cache and lease packages issue through go-redis.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func (e *kvEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Get returns the live value stored at key.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key)
}

// Set stores value at key without expiry.
func (s *Server) Set(key, value string) {
	s.mu.Lock()
	s.kv[key] = &kvEntry{value: value}
	s.mu.Unlock()
}

// CommandCount reports how many times cmd (upper-case) was received.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Answer like a RESP2-only server so clients fall back to AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
			} else {
				werr = s.dispatch(writer, cmd, args[1:])
			}
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		value, ok := s.lookup(args[0])
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, value)
	case "SET":
		return s.handleSet(w, args)
	case "DEL":
		s.mu.Lock()
		var n int64
		for _, key := range args {
			if _, ok := s.lookup(key); ok {
				n++
			}
			delete(s.kv, key)
		}
		s.mu.Unlock()
		return writeInteger(w, n)
	case "EXISTS":
		s.mu.Lock()
		var n int64
		for _, key := range args {
			if _, ok := s.lookup(key); ok {
				n++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, n)
	case "INCR":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[0])
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		return writeInteger(w, value)
	case "PTTL":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'pttl'")
		}
		return writeInteger(w, s.pttl(args[0]))
	case "EVAL":
		return s.handleEval(w, args)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// handleSet supports SET key value [NX|XX] [EX s|PX ms].
func (s *Server) handleSet(w *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var nx, xx bool
	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "KEEPTTL":
		default:
			return writeError(w, "ERR syntax error")
		}
	}

	s.mu.Lock()
	_, exists := s.lookup(key)
	if (nx && exists) || (xx && !exists) {
		s.mu.Unlock()
		return writeBulkNil(w)
	}
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

// handleEval recognises the compare-and-delete script used to release leases.
func (s *Server) handleEval(w *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(w, "ERR wrong number of arguments for 'eval'")
	}
	script := strings.ToLower(args[0])
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys != 1 || len(args) < 4 {
		return writeError(w, "ERR unsupported script")
	}
	key, token := args[2], args[3]

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookup(key)
	if !ok || current != token {
		return writeInteger(w, 0)
	}
	if !strings.Contains(script, `"del"`) {
		return writeError(w, "ERR unsupported script")
	}
	delete(s.kv, key)
	return writeInteger(w, 1)
}

// lookup must be called with s.mu held.
func (s *Server) lookup(key string) (string, bool) {
	entry := s.kv[key]
	if entry == nil {
		return "", false
	}
	if entry.expired(time.Now()) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookup(key)
	var n int64
	if ok {
		parsed, err := strconv.ParseInt(current, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	entry := s.kv[key]
	if entry == nil {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *Server) pttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); !ok {
		return -2
	}
	entry := s.kv[key]
	if entry.expiry.IsZero() {
		return -1
	}
	return int64(time.Until(entry.expiry) / time.Millisecond)
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
