// Package conn is the client side of the injection server protocol.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlbatrossHook/AlbatrossManager/pkg/metrics"
	"github.com/AlbatrossHook/AlbatrossManager/pkg/wire"
)

var (
	// ErrServerNotRunning is returned by Dial when nothing listens on the address.
	ErrServerNotRunning = errors.New("server not running")
	// ErrBroken is returned once a connection has seen an IO failure.
	ErrBroken = errors.New("connection broken")
	// ErrConflict is returned by AddPluginRule when a conflicting injection
	// framework was detected at connect time.
	ErrConflict = errors.New("conflicting injection framework detected")
)

const (
	defaultDialTimeout = 3 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Options configures Dial.
type Options struct {
	// Paths sent with the handshake.
	NativeLib32Path string
	AgentPath       string
	SystemAgentPath string

	DialTimeout time.Duration
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
	Tracer  trace.Tracer
}

// Connection is a live session with the injection server. Requests are
// serialized; state reads are safe from any goroutine.
type Connection struct {
	address string
	netConn net.Conn

	callTimeout time.Duration
	logger      *slog.Logger
	metrics     metrics.Collector
	tracer      trace.Tracer

	mu       sync.Mutex
	conflict bool
	broken   atomic.Bool
	closed   atomic.Bool
}

// network splits an address into a dialable network and address. Plain names
// refer to the abstract unix socket namespace.
func network(address string) (string, string) {
	switch {
	case strings.HasPrefix(address, "tcp:"):
		return "tcp", strings.TrimPrefix(address, "tcp:")
	case strings.HasPrefix(address, "unix:"):
		return "unix", strings.TrimPrefix(address, "unix:")
	case strings.HasPrefix(address, "@"):
		return "unix", address
	default:
		return "unix", "@" + address
	}
}

// Dial connects to the server at address, performs the handshake and latches
// the conflict flag.
func Dial(ctx context.Context, address string, opts Options) (*Connection, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/AlbatrossHook/AlbatrossManager/pkg/conn")
	}

	netw, addr := network(address)
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, netw, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrServerNotRunning, address, err)
	}

	c := &Connection{
		address:     address,
		netConn:     nc,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger.With("address", address),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}

	hello := wire.NewRequest(wire.VerbHello).
		Str(opts.NativeLib32Path).
		Str(opts.AgentPath).
		Str(opts.SystemAgentPath)
	if _, err := c.call(ctx, wire.VerbHello, hello); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	lsposed, err := c.IsLsposedInjected(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("conflict probe: %w", err)
	}
	c.conflict = lsposed
	if lsposed {
		c.logger.Warn("conflicting injection framework detected")
	}

	c.logger.Debug("connected to server")
	return c, nil
}

// Address returns the address this connection was dialed with.
func (c *Connection) Address() string {
	return c.address
}

// ConflictDetected reports whether the server saw a conflicting framework at
// connect time. The value is fixed for the life of the connection.
func (c *Connection) ConflictDetected() bool {
	return c.conflict
}

// Broken reports whether the connection has failed or been closed.
func (c *Connection) Broken() bool {
	return c.broken.Load() || c.closed.Load()
}

// Close releases the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.netConn.Close()
}

func (c *Connection) call(ctx context.Context, verb wire.Verb, req *wire.Encoder) (*wire.Decoder, error) {
	ctx, span := c.tracer.Start(ctx, "albatross."+verb.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("albatross.verb", verb.String())))
	defer span.End()

	start := time.Now()
	d, err := c.roundTrip(ctx, req.Bytes())
	c.metrics.WireCall(verb.String(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", verb, err)
	}
	return d, nil
}

func (c *Connection) roundTrip(ctx context.Context, payload []byte) (*wire.Decoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Broken() {
		return nil, ErrBroken
	}

	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}

	if err := wire.WriteFrame(c.netConn, payload); err != nil {
		return nil, c.fail(err)
	}
	resp, err := wire.ReadFrame(c.netConn)
	if err != nil {
		return nil, c.fail(err)
	}
	return wire.NewDecoder(resp), nil
}

func (c *Connection) fail(err error) error {
	if !c.broken.Swap(true) {
		c.logger.Warn("server connection broken", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrBroken, err)
}

func decodeStatus(d *wire.Decoder) (int8, error) {
	v := d.Int8()
	return v, d.End()
}

func decodeBool(d *wire.Decoder) (bool, error) {
	v := d.Bool()
	return v, d.End()
}

// RegisterPlugin registers or replaces a plugin. See RegisterOK.
func (c *Connection) RegisterPlugin(ctx context.Context, id int32, codePath, className, params string, flags int32) (int8, error) {
	req := wire.NewRequest(wire.VerbRegisterPlugin).Int32(id).Str(codePath).Str(className).Str(params).Int32(flags)
	d, err := c.call(ctx, wire.VerbRegisterPlugin, req)
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// ModifyPlugin updates a registered plugin. See ModifyOK.
func (c *Connection) ModifyPlugin(ctx context.Context, id int32, className, params string, flags int32) (int8, error) {
	req := wire.NewRequest(wire.VerbModifyPlugin).Int32(id).Str(className).Str(params).Int32(flags)
	d, err := c.call(ctx, wire.VerbModifyPlugin, req)
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// DeletePlugin removes a plugin. Deleting an unknown id is not an error.
func (c *Connection) DeletePlugin(ctx context.Context, id int32) (int8, error) {
	d, err := c.call(ctx, wire.VerbDeletePlugin, wire.NewRequest(wire.VerbDeletePlugin).Int32(id))
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// AddPluginRule targets a registered plugin at a package. It is refused
// locally with ErrConflict when a conflicting framework was detected.
func (c *Connection) AddPluginRule(ctx context.Context, id int32, target string) (int8, error) {
	if c.conflict {
		return 0, ErrConflict
	}
	d, err := c.call(ctx, wire.VerbAddPluginRule, wire.NewRequest(wire.VerbAddPluginRule).Int32(id).Str(target))
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// DeletePluginRule removes a rule and reports whether it existed.
func (c *Connection) DeletePluginRule(ctx context.Context, id int32, target string) (bool, error) {
	d, err := c.call(ctx, wire.VerbDeletePluginRule, wire.NewRequest(wire.VerbDeletePluginRule).Int32(id).Str(target))
	if err != nil {
		return false, err
	}
	return decodeBool(d)
}

// DoInject loads a plugin into a running target process. See InjectMessage.
func (c *Connection) DoInject(ctx context.Context, target, codePath, className, params string, flags int32) (int8, error) {
	req := wire.NewRequest(wire.VerbDoInject).Str(target).Str(codePath).Str(className).Str(params).Int32(flags)
	d, err := c.call(ctx, wire.VerbDoInject, req)
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// LoadSystemPlugin loads a plugin into system_server.
func (c *Connection) LoadSystemPlugin(ctx context.Context, codePath, className, params string, flags int32) (int8, error) {
	req := wire.NewRequest(wire.VerbLoadSystemPlugin).Str(codePath).Str(className).Str(params).Int32(flags)
	d, err := c.call(ctx, wire.VerbLoadSystemPlugin, req)
	if err != nil {
		return 0, err
	}
	return decodeStatus(d)
}

// ShellResult is the outcome of a command run by the server.
type ShellResult struct {
	ExitCode int32
	Output   string
}

// Shell runs a command with the server's privileges.
func (c *Connection) Shell(ctx context.Context, command string) (ShellResult, error) {
	d, err := c.call(ctx, wire.VerbShell, wire.NewRequest(wire.VerbShell).Str(command))
	if err != nil {
		return ShellResult{}, err
	}
	res := ShellResult{ExitCode: d.Int32(), Output: d.Str()}
	return res, d.End()
}

// GetPackageProcess describes the running process of target, or "" when it
// is not running.
func (c *Connection) GetPackageProcess(ctx context.Context, target string) (string, error) {
	d, err := c.call(ctx, wire.VerbGetPackageProcess, wire.NewRequest(wire.VerbGetPackageProcess).Str(target))
	if err != nil {
		return "", err
	}
	s := d.Str()
	return s, d.End()
}

// IsClosed asks the server whether it is shutting down.
func (c *Connection) IsClosed(ctx context.Context) (bool, error) {
	d, err := c.call(ctx, wire.VerbIsClosed, wire.NewRequest(wire.VerbIsClosed))
	if err != nil {
		return false, err
	}
	return decodeBool(d)
}

// IsLsposedInjected asks the server whether a conflicting framework is loaded.
func (c *Connection) IsLsposedInjected(ctx context.Context) (bool, error) {
	d, err := c.call(ctx, wire.VerbIsLsposedInjected, wire.NewRequest(wire.VerbIsLsposedInjected))
	if err != nil {
		return false, err
	}
	return decodeBool(d)
}

// StopServer asks the server to exit and closes the connection. A server that
// hangs up before acknowledging still counts as stopped.
func (c *Connection) StopServer(ctx context.Context) error {
	_, err := c.call(ctx, wire.VerbStopServer, wire.NewRequest(wire.VerbStopServer))
	c.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// LivenessState is the outcome of a liveness probe.
type LivenessState int

const (
	Connected LivenessState = iota
	Disconnected
	Errored
)

func (s LivenessState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Liveness is the result of Probe. Reason is set for Errored.
type Liveness struct {
	State  LivenessState
	Reason string
}

// Alive reports whether the probe found a usable connection.
func (l Liveness) Alive() bool {
	return l.State == Connected
}

// Probe checks the connection without raising. A closed or broken connection
// is Disconnected; an IO failure during the probe is Errored.
func (c *Connection) Probe(ctx context.Context) Liveness {
	if c.Broken() {
		return Liveness{State: Disconnected}
	}
	closed, err := c.IsClosed(ctx)
	if err != nil {
		return Liveness{State: Errored, Reason: err.Error()}
	}
	if closed {
		return Liveness{State: Disconnected}
	}
	return Liveness{State: Connected}
}
