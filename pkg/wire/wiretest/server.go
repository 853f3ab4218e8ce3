// Package wiretest provides an in-process injection server speaking the wire
// protocol, for tests of the client side.
package wiretest

import (
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/wire"
)

// Plugin is a plugin as registered on the fake server.
type Plugin struct {
	ID        int32
	CodePath  string
	ClassName string
	Params    string
	Flags     int32
	Rules     map[string]bool
}

// Call records one request received by the server.
type Call struct {
	Verb   wire.Verb
	ID     int32
	Target string
}

// Server is a fake injection server with an in-memory plugin registry.
type Server struct {
	ln net.Listener

	mu        sync.Mutex
	plugins   map[int32]*Plugin
	calls     []Call
	conns     map[net.Conn]struct{}
	hello     []string
	lsposed   bool
	processes map[string]string
	inject    map[string]int8
	system    int8
	shell     func(cmd string) (int32, string)
	stopped   bool
	down      bool

	wg sync.WaitGroup
}

// Start listens on a loopback TCP port and serves until Close.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:        ln,
		plugins:   make(map[int32]*Plugin),
		conns:     make(map[net.Conn]struct{}),
		processes: make(map[string]string),
		inject:    make(map[string]int8),
		system:    20,
		shell: func(string) (int32, string) {
			return 0, ""
		},
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Address returns a dialable address for conn.Dial.
func (s *Server) Address() string {
	return "tcp:" + s.ln.Addr().String()
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

// DropConnections closes every open client connection, simulating a crash.
func (s *Server) DropConnections() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
}

// SetDown makes the server hang up on new connections before the handshake,
// as if nothing were listening.
func (s *Server) SetDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

// SetLsposed sets the conflicting-framework flag reported to clients.
func (s *Server) SetLsposed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsposed = v
}

// SetProcess sets the process description returned for target.
func (s *Server) SetProcess(target, desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[target] = desc
}

// SetInjectResult sets the DoInject status returned for target.
func (s *Server) SetInjectResult(target string, status int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject[target] = status
}

// SetSystemResult sets the LoadSystemPlugin status.
func (s *Server) SetSystemResult(status int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = status
}

// SetShell installs the shell command handler.
func (s *Server) SetShell(fn func(cmd string) (int32, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shell = fn
}

// SeedPlugin registers a plugin directly, bypassing the protocol.
func (s *Server) SeedPlugin(id int32, className string, rules ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Plugin{ID: id, ClassName: className, Rules: make(map[string]bool)}
	for _, r := range rules {
		p.Rules[r] = true
	}
	s.plugins[id] = p
}

// Plugin returns a copy of the registered plugin.
func (s *Server) Plugin(id int32) (Plugin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plugins[id]
	if !ok {
		return Plugin{}, false
	}
	cp := *p
	cp.Rules = make(map[string]bool, len(p.Rules))
	for k, v := range p.Rules {
		cp.Rules[k] = v
	}
	return cp, true
}

// PluginIDs returns the registered plugin ids in ascending order.
func (s *Server) PluginIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.plugins))
	for id := range s.plugins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rules returns the sorted rule targets of a registered plugin.
func (s *Server) Rules(id int32) []string {
	p, ok := s.Plugin(id)
	if !ok {
		return nil
	}
	var out []string
	for r := range p.Rules {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Calls returns every request received so far, Hello included.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns the requests with the given verb.
func (s *Server) CallsFor(verb wire.Verb) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// HelloPaths returns the paths sent by the last Hello.
func (s *Server) HelloPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hello...)
}

// Stopped reports whether a client sent StopServer.
func (s *Server) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.down {
			s.mu.Unlock()
			c.Close()
			continue
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	for {
		req, err := wire.ReadFrame(c)
		if err != nil {
			return
		}
		resp, stop, err := s.handle(wire.NewDecoder(req))
		if err != nil {
			return
		}
		if err := wire.WriteFrame(c, resp); err != nil {
			return
		}
		if stop {
			return
		}
	}
}

var errBadRequest = errors.New("wiretest: bad request")

func (s *Server) handle(d *wire.Decoder) ([]byte, bool, error) {
	verb := d.Verb()
	resp := &wire.Encoder{}
	stop := false

	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{Verb: verb}
	switch verb {
	case wire.VerbHello:
		s.hello = []string{d.Str(), d.Str(), d.Str()}
		resp.Int8(0)
	case wire.VerbRegisterPlugin:
		p := &Plugin{ID: d.Int32(), CodePath: d.Str(), ClassName: d.Str(), Params: d.Str(), Flags: d.Int32(), Rules: make(map[string]bool)}
		call.ID = p.ID
		var status int8
		if old, ok := s.plugins[p.ID]; ok {
			p.Rules = old.Rules
			status = 1
		}
		s.plugins[p.ID] = p
		resp.Int8(status)
	case wire.VerbModifyPlugin:
		id, className, params, flags := d.Int32(), d.Str(), d.Str(), d.Int32()
		call.ID = id
		p, ok := s.plugins[id]
		if !ok {
			resp.Int8(0)
			break
		}
		p.ClassName, p.Params, p.Flags = className, params, flags
		resp.Int8(1)
	case wire.VerbDeletePlugin:
		call.ID = d.Int32()
		if _, ok := s.plugins[call.ID]; ok {
			delete(s.plugins, call.ID)
			resp.Int8(1)
		} else {
			resp.Int8(0)
		}
	case wire.VerbAddPluginRule:
		call.ID, call.Target = d.Int32(), d.Str()
		p, ok := s.plugins[call.ID]
		if !ok {
			resp.Int8(-1)
			break
		}
		p.Rules[call.Target] = true
		resp.Int8(0)
	case wire.VerbDeletePluginRule:
		call.ID, call.Target = d.Int32(), d.Str()
		p, ok := s.plugins[call.ID]
		removed := ok && p.Rules[call.Target]
		if removed {
			delete(p.Rules, call.Target)
		}
		resp.Bool(removed)
	case wire.VerbDoInject:
		call.Target = d.Str()
		d.Str()
		d.Str()
		d.Str()
		d.Int32()
		status, ok := s.inject[call.Target]
		if !ok {
			status = 20
		}
		resp.Int8(status)
	case wire.VerbLoadSystemPlugin:
		d.Str()
		d.Str()
		d.Str()
		d.Int32()
		resp.Int8(s.system)
	case wire.VerbShell:
		call.Target = d.Str()
		code, out := s.shell(call.Target)
		resp.Int32(code).Str(out)
	case wire.VerbGetPackageProcess:
		call.Target = d.Str()
		resp.Str(s.processes[call.Target])
	case wire.VerbIsClosed:
		resp.Bool(false)
	case wire.VerbIsLsposedInjected:
		resp.Bool(s.lsposed)
	case wire.VerbStopServer:
		s.stopped = true
		stop = true
		resp.Int8(0)
	default:
		return nil, false, errBadRequest
	}
	if err := d.End(); err != nil {
		return nil, false, err
	}
	s.calls = append(s.calls, call)
	return resp.Bytes(), stop, nil
}
