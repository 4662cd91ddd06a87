package tftpwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is the leading 16-bit field of every TFTP datagram.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

// ErrorCode values from RFC 1350 (8 is the RFC 2347 option refusal).
type ErrorCode uint16

const (
	ErrNotDefined       ErrorCode = 0
	ErrFileNotFound     ErrorCode = 1
	ErrAccessViolation  ErrorCode = 2
	ErrDiskFull         ErrorCode = 3
	ErrIllegalOperation ErrorCode = 4
	ErrUnknownTID       ErrorCode = 5
	ErrFileExists       ErrorCode = 6
	ErrNoSuchUser       ErrorCode = 7
	ErrOptionRefused    ErrorCode = 8
)

const (
	// MTU bounds every encoded packet.
	MTU = 1500

	OpcodeLen      = 2
	DataHeaderLen  = 4
	AckLen         = 4
	ErrorHeaderLen = 4

	IllegalOperationMessage = "Illegal operation"
)

var (
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrShortPacket    = errors.New("packet length too short")
	ErrWrongOpcode    = errors.New("wrong opcode for packet type")
)

// PeekOpcode reads the opcode without decoding the rest of the datagram.
func PeekOpcode(src []byte) (Opcode, bool) {
	if len(src) < OpcodeLen {
		return 0, false
	}
	return Opcode(binary.BigEndian.Uint16(src[0:2])), true
}

// Option is a single name/value pair carried by RRQ and OACK packets.
type Option struct {
	Name  string
	Value string
}

// RequestPacket is an RRQ or WRQ.
type RequestPacket struct {
	Opcode   Opcode
	Filename string
	Mode     string
	Options  []Option
}

func (p *RequestPacket) Encode(dst []byte) (int, error) {
	if p.Opcode != OpRRQ && p.Opcode != OpWRQ {
		return 0, ErrWrongOpcode
	}
	need := OpcodeLen + len(p.Filename) + 1 + len(p.Mode) + 1 + optionsLen(p.Options)
	if need > MTU {
		return 0, fmt.Errorf("request exceeds mtu: %d > %d", need, MTU)
	}
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(p.Opcode))
	off := OpcodeLen
	off = putASCIZ(dst, off, p.Filename)
	off = putASCIZ(dst, off, p.Mode)
	off = putOptions(dst, off, p.Options)
	return off, nil
}

// Decode never fails on a truncated string: an underrun ends the string.
// Only the opcode has to be present and valid.
func (p *RequestPacket) Decode(src []byte) (int, error) {
	op, ok := PeekOpcode(src)
	if !ok {
		return 0, ErrShortPacket
	}
	if op != OpRRQ && op != OpWRQ {
		return 0, ErrWrongOpcode
	}
	p.Opcode = op
	off := OpcodeLen
	p.Filename, off = readASCIZ(src, off)
	p.Mode, off = readASCIZ(src, off)
	p.Options, off = readOptions(src, off)
	return off, nil
}

// OptionBytes returns the trailing option area of a request, the part after
// the filename and mode strings.
func OptionBytes(src []byte) []byte {
	if len(src) < OpcodeLen {
		return nil
	}
	off := OpcodeLen
	_, off = readASCIZ(src, off)
	_, off = readASCIZ(src, off)
	return src[off:]
}

type DataPacket struct {
	Block   uint16
	Payload []byte
}

func (p *DataPacket) Encode(dst []byte) (int, error) {
	need := DataHeaderLen + len(p.Payload)
	if need > MTU {
		return 0, fmt.Errorf("data packet exceeds mtu: %d > %d", need, MTU)
	}
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	PutDataHeader(dst, p.Block)
	copy(dst[DataHeaderLen:], p.Payload)
	return need, nil
}

// Decode aliases Payload into src.
func (p *DataPacket) Decode(src []byte) (int, error) {
	if len(src) < DataHeaderLen {
		return 0, ErrShortPacket
	}
	if op, _ := PeekOpcode(src); op != OpDATA {
		return 0, ErrWrongOpcode
	}
	p.Block = binary.BigEndian.Uint16(src[2:4])
	p.Payload = src[DataHeaderLen:]
	return len(src), nil
}

// PutDataHeader writes the DATA opcode and block number in front of a payload
// that was read in place at dst[DataHeaderLen:].
func PutDataHeader(dst []byte, block uint16) {
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(dst[2:4], block)
}

type AckPacket struct {
	Block uint16
}

func (p *AckPacket) Encode(dst []byte) (int, error) {
	if len(dst) < AckLen {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(dst[2:4], p.Block)
	return AckLen, nil
}

func (p *AckPacket) Decode(src []byte) (int, error) {
	if len(src) < AckLen {
		return 0, ErrShortPacket
	}
	if op, _ := PeekOpcode(src); op != OpACK {
		return 0, ErrWrongOpcode
	}
	p.Block = binary.BigEndian.Uint16(src[2:4])
	return AckLen, nil
}

// ErrorPacket carries its message without a NUL terminator; the datagram
// length delimits it.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

// Encode truncates Message so the packet fits the MTU.
func (p *ErrorPacket) Encode(dst []byte) (int, error) {
	msg := p.Message
	if len(msg) > MTU-ErrorHeaderLen {
		msg = msg[:MTU-ErrorHeaderLen]
	}
	need := ErrorHeaderLen + len(msg)
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(dst[2:4], uint16(p.Code))
	copy(dst[ErrorHeaderLen:], msg)
	return need, nil
}

// Decode accepts both terminated and unterminated messages.
func (p *ErrorPacket) Decode(src []byte) (int, error) {
	if len(src) < ErrorHeaderLen {
		return 0, ErrShortPacket
	}
	if op, _ := PeekOpcode(src); op != OpERROR {
		return 0, ErrWrongOpcode
	}
	p.Code = ErrorCode(binary.BigEndian.Uint16(src[2:4]))
	var off int
	p.Message, off = readASCIZ(src, ErrorHeaderLen)
	return off, nil
}

func (p *ErrorPacket) Error() string {
	return fmt.Sprintf("tftp error %d: %s", p.Code, p.Message)
}

type OACKPacket struct {
	Options []Option
}

func (p *OACKPacket) Encode(dst []byte) (int, error) {
	need := OpcodeLen + optionsLen(p.Options)
	if need > MTU {
		return 0, fmt.Errorf("oack exceeds mtu: %d > %d", need, MTU)
	}
	if len(dst) < need {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(OpOACK))
	return putOptions(dst, OpcodeLen, p.Options), nil
}

func (p *OACKPacket) Decode(src []byte) (int, error) {
	op, ok := PeekOpcode(src)
	if !ok {
		return 0, ErrShortPacket
	}
	if op != OpOACK {
		return 0, ErrWrongOpcode
	}
	var off int
	p.Options, off = readOptions(src, OpcodeLen)
	return off, nil
}

// readASCIZ returns the string starting at off and the offset just past its
// terminator. Running out of bytes ends the string instead of failing.
func readASCIZ(src []byte, off int) (string, int) {
	if off >= len(src) {
		return "", len(src)
	}
	for i := off; i < len(src); i++ {
		if src[i] == 0 {
			return string(src[off:i]), i + 1
		}
	}
	return string(src[off:]), len(src)
}

// readOptions scans name/value pairs and stops at the first pair where either
// string is empty.
func readOptions(src []byte, off int) ([]Option, int) {
	var opts []Option
	for {
		var name, value string
		name, off = readASCIZ(src, off)
		value, off = readASCIZ(src, off)
		if name == "" || value == "" {
			return opts, off
		}
		opts = append(opts, Option{Name: name, Value: value})
	}
}

func putASCIZ(dst []byte, off int, s string) int {
	off += copy(dst[off:], s)
	dst[off] = 0
	return off + 1
}

func putOptions(dst []byte, off int, opts []Option) int {
	for _, o := range opts {
		off = putASCIZ(dst, off, o.Name)
		off = putASCIZ(dst, off, o.Value)
	}
	return off
}

func optionsLen(opts []Option) int {
	n := 0
	for _, o := range opts {
		n += len(o.Name) + 1 + len(o.Value) + 1
	}
	return n
}
