// Package wire implements the framed request/response protocol spoken by the
// injection server.
//
// Every message is a frame: a big-endian u32 payload length followed by the
// payload. A request payload starts with a one-byte Verb followed by the
// verb's fields in order. Fields are big-endian i32 or strings encoded
// as a u32 byte length followed by UTF-8 bytes. Responses carry a single i8
// status, a bool byte, a string, or for VerbShell an i32 exit code followed
// by a string.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Verb selects the server operation.
type Verb uint8

const (
	// VerbHello: nativeLib32Path, agentPath, systemAgentPath -> i8
	VerbHello Verb = iota + 1
	// VerbRegisterPlugin: id i32, codePath, className, params, flags i32 -> i8
	VerbRegisterPlugin
	// VerbModifyPlugin: id i32, className, params, flags i32 -> i8
	VerbModifyPlugin
	// VerbDeletePlugin: id i32 -> i8
	VerbDeletePlugin
	// VerbAddPluginRule: id i32, target -> i8
	VerbAddPluginRule
	// VerbDeletePluginRule: id i32, target -> bool
	VerbDeletePluginRule
	// VerbDoInject: target, codePath, className, params, flags i32 -> i8
	VerbDoInject
	// VerbLoadSystemPlugin: codePath, className, params, flags i32 -> i8
	VerbLoadSystemPlugin
	// VerbShell: command -> i32 exit code, output
	VerbShell
	// VerbGetPackageProcess: target -> string
	VerbGetPackageProcess
	// VerbIsClosed: -> bool
	VerbIsClosed
	// VerbIsLsposedInjected: -> bool
	VerbIsLsposedInjected
	// VerbStopServer: -> i8
	VerbStopServer
)

var verbNames = map[Verb]string{
	VerbHello:             "hello",
	VerbRegisterPlugin:    "register_plugin",
	VerbModifyPlugin:      "modify_plugin",
	VerbDeletePlugin:      "delete_plugin",
	VerbAddPluginRule:     "add_plugin_rule",
	VerbDeletePluginRule:  "delete_plugin_rule",
	VerbDoInject:          "do_inject",
	VerbLoadSystemPlugin:  "load_system_plugin",
	VerbShell:             "shell",
	VerbGetPackageProcess: "get_package_process",
	VerbIsClosed:          "is_closed",
	VerbIsLsposedInjected: "is_lsposed_injected",
	VerbStopServer:        "stop_server",
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return fmt.Sprintf("verb(%d)", uint8(v))
}

// MaxFrameSize bounds a single payload.
const MaxFrameSize = 4 << 20

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrShortPayload is returned when a payload ends before a field does.
	ErrShortPayload = errors.New("wire: short payload")
	// ErrTrailingBytes is returned by End when fields are left unread.
	ErrTrailingBytes = errors.New("wire: trailing bytes")
)

// WriteFrame writes payload as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Encoder builds a payload.
type Encoder struct {
	buf bytes.Buffer
}

// NewRequest starts a request payload for verb.
func NewRequest(verb Verb) *Encoder {
	e := &Encoder{}
	e.buf.WriteByte(byte(verb))
	return e
}

func (e *Encoder) Int8(v int8) *Encoder {
	e.buf.WriteByte(byte(v))
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.Int8(1)
	}
	return e.Int8(0)
}

func (e *Encoder) Int32(v int32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	e.buf.Write(b[:])
	return e
}

func (e *Encoder) Str(s string) *Encoder {
	e.Int32(int32(len(s)))
	e.buf.WriteString(s)
	return e
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Decoder reads fields from a payload. The first failure is sticky and
// reported by Err; later reads return zero values.
type Decoder struct {
	b   []byte
	off int
	err error
}

// NewDecoder returns a decoder over payload.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{b: payload}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b)-d.off < n {
		d.err = ErrShortPayload
		return nil
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

// Verb reads a request verb.
func (d *Decoder) Verb() Verb {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return Verb(b[0])
}

func (d *Decoder) Int8() int8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return int8(b[0])
}

func (d *Decoder) Bool() bool {
	return d.Int8() != 0
}

func (d *Decoder) Int32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *Decoder) Str() string {
	n := d.Int32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining reports unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.b) - d.off
}

// End reports Err, or ErrTrailingBytes when the payload holds more than was
// read. A response is consumed whole, so leftovers mean the two sides disagree
// on its layout.
func (d *Decoder) End() error {
	if d.err != nil {
		return d.err
	}
	if n := d.Remaining(); n > 0 {
		return fmt.Errorf("%w: %d unread", ErrTrailingBytes, n)
	}
	return nil
}
