package tftpwire

import (
	"bytes"
	"strings"
	"testing"
)

func TestRequestPacketEncodeDecodeWithOptions(t *testing.T) {
	original := RequestPacket{
		Opcode:   OpRRQ,
		Filename: "pxelinux.0",
		Mode:     "octet",
		Options: []Option{
			{Name: "blksize", Value: "1432"},
			{Name: "tsize", Value: "0"},
		},
	}

	buf := make([]byte, MTU)
	n, err := original.Encode(buf)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := "\x00\x01pxelinux.0\x00octet\x00blksize\x001432\x00tsize\x000\x00"
	if got := string(buf[:n]); got != want {
		t.Fatalf("encoded bytes mismatch:\n got %q\nwant %q", got, want)
	}

	var decoded RequestPacket
	read, err := decoded.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if read != n {
		t.Fatalf("expected decode to consume %d bytes, got %d", n, read)
	}
	if decoded.Opcode != OpRRQ || decoded.Filename != "pxelinux.0" || decoded.Mode != "octet" {
		t.Fatalf("header mismatch: %+v", decoded)
	}
	if len(decoded.Options) != 2 || decoded.Options[0] != original.Options[0] || decoded.Options[1] != original.Options[1] {
		t.Fatalf("options mismatch: %+v", decoded.Options)
	}
}

func TestRequestPacketDecodeTruncatedIsLenient(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		filename string
		mode     string
	}{
		{"opcode only", []byte{0, 1}, "", ""},
		{"unterminated filename", []byte("\x00\x01boot.img"), "boot.img", ""},
		{"unterminated mode", []byte("\x00\x01boot.img\x00oct"), "boot.img", "oct"},
		{"dangling option name", []byte("\x00\x01a\x00octet\x00blksize"), "a", "octet"},
	}
	for _, tc := range tests {
		var p RequestPacket
		if _, err := p.Decode(tc.in); err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if p.Filename != tc.filename || p.Mode != tc.mode {
			t.Fatalf("%s: got (%q,%q) want (%q,%q)", tc.name, p.Filename, p.Mode, tc.filename, tc.mode)
		}
		if len(p.Options) != 0 {
			t.Fatalf("%s: expected no options, got %+v", tc.name, p.Options)
		}
	}
}

func TestRequestPacketDecodeRejectsOtherOpcodes(t *testing.T) {
	var p RequestPacket
	if _, err := p.Decode([]byte{0}); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
	if _, err := p.Decode([]byte{0, 4, 0, 1}); err != ErrWrongOpcode {
		t.Fatalf("expected ErrWrongOpcode, got %v", err)
	}
}

func TestOptionBytes(t *testing.T) {
	req := []byte("\x00\x01file\x00octet\x00blksize\x001024\x00")
	if got := string(OptionBytes(req)); got != "blksize\x001024\x00" {
		t.Fatalf("OptionBytes=%q", got)
	}
	if got := OptionBytes([]byte("\x00\x01file")); len(got) != 0 {
		t.Fatalf("expected empty option area, got %q", got)
	}
}

func TestDataPacketEncodeDecode(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 1432)
	dp := DataPacket{Block: 65535, Payload: payload}
	buf := make([]byte, MTU)
	n, err := dp.Encode(buf)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if n != DataHeaderLen+len(payload) {
		t.Fatalf("encoded length %d", n)
	}
	var out DataPacket
	if _, err := out.Decode(buf[:n]); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Block != 65535 || !bytes.Equal(out.Payload, payload) {
		t.Fatalf("data mismatch: block=%d len=%d", out.Block, len(out.Payload))
	}

	tooBig := DataPacket{Block: 1, Payload: make([]byte, MTU)}
	if _, err := tooBig.Encode(make([]byte, 2*MTU)); err == nil {
		t.Fatal("expected mtu error for oversized payload")
	}
}

func TestPutDataHeaderInPlace(t *testing.T) {
	buf := make([]byte, DataHeaderLen+3)
	copy(buf[DataHeaderLen:], "abc")
	PutDataHeader(buf, 0x0102)
	if !bytes.Equal(buf, []byte{0, 3, 1, 2, 'a', 'b', 'c'}) {
		t.Fatalf("unexpected header bytes % x", buf)
	}
}

func TestAckPacket(t *testing.T) {
	buf := make([]byte, AckLen)
	ack := AckPacket{Block: 513}
	if _, err := ack.Encode(buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(buf, []byte{0, 4, 2, 1}) {
		t.Fatalf("unexpected ack bytes % x", buf)
	}
	var out AckPacket
	if _, err := out.Decode(buf); err != nil || out.Block != 513 {
		t.Fatalf("decode: block=%d err=%v", out.Block, err)
	}
	if _, err := out.Decode(buf[:3]); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
	if _, err := ack.Encode(buf[:2]); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestErrorPacketIsNotNulTerminated(t *testing.T) {
	buf := make([]byte, MTU)
	ep := ErrorPacket{Code: ErrIllegalOperation, Message: IllegalOperationMessage}
	n, err := ep.Encode(buf)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := append([]byte{0, 5, 0, 4}, []byte("Illegal operation")...)
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("got % x want % x", buf[:n], want)
	}

	var out ErrorPacket
	if _, err := out.Decode(buf[:n]); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Code != ErrIllegalOperation || out.Message != IllegalOperationMessage {
		t.Fatalf("decoded %+v", out)
	}

	// Peers following RFC 1350 terminate the message.
	terminated := append(want, 0)
	if _, err := out.Decode(terminated); err != nil || out.Message != IllegalOperationMessage {
		t.Fatalf("terminated decode: %+v err=%v", out, err)
	}
}

func TestErrorPacketTruncatedToMTU(t *testing.T) {
	ep := ErrorPacket{Code: ErrFileNotFound, Message: strings.Repeat("x", 3000)}
	buf := make([]byte, MTU)
	n, err := ep.Encode(buf)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if n != MTU {
		t.Fatalf("expected packet clipped to %d bytes, got %d", MTU, n)
	}
}

func TestOACKPacket(t *testing.T) {
	buf := make([]byte, MTU)
	oack := OACKPacket{Options: []Option{{Name: OptionBlockSize, Value: "512"}}}
	n, err := oack.Encode(buf)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if got := string(buf[:n]); got != "\x00\x06blksize\x00512\x00" {
		t.Fatalf("unexpected oack %q", got)
	}
	var out OACKPacket
	if _, err := out.Decode(buf[:n]); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(out.Options) != 1 || out.Options[0].Value != "512" {
		t.Fatalf("decoded %+v", out.Options)
	}
}

func TestPeekOpcode(t *testing.T) {
	if _, ok := PeekOpcode([]byte{1}); ok {
		t.Fatal("single byte should not yield an opcode")
	}
	op, ok := PeekOpcode([]byte{0, 6, 'x'})
	if !ok || op != OpOACK {
		t.Fatalf("PeekOpcode=%v,%v", op, ok)
	}
	if OpOACK.String() != "OACK" || Opcode(42).String() != "opcode(42)" {
		t.Fatalf("unexpected opcode names %q %q", OpOACK.String(), Opcode(42).String())
	}
}
