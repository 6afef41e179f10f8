package engine

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestLineCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer

	codec := NewLineCodec(&buf)

	req := Request{Type: RequestExecute, Command: "ls -la", WorkingDir: "/tmp"}

	if err := codec.WriteMessage(req); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if buf.Bytes()[buf.Len()-1] != '\n' {
		t.Fatal("expected message to be terminated by a single newline")
	}

	var got Request
	if err := codec.ReadMessage(&got); err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	if got.Command != req.Command || got.WorkingDir != req.WorkingDir {
		t.Fatalf("got %+v, want %+v", got, req)
	}
}

func TestEncodeBytes_ValidUTF8PassesThrough(t *testing.T) {
	value, encoding := encodeBytes([]byte("hello world"))

	if encoding != "utf-8" {
		t.Fatalf("encoding = %q, want utf-8", encoding)
	}

	if value != "hello world" {
		t.Fatalf("value = %q, want \"hello world\"", value)
	}
}

func TestEncodeBytes_InvalidUTF8FallsBackToBase64(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0xfd}

	value, encoding := encodeBytes(raw)

	if encoding != "base64" {
		t.Fatalf("encoding = %q, want base64", encoding)
	}

	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("decoding produced value failed: %v", err)
	}

	if !bytes.Equal(decoded, raw) {
		t.Fatalf("round trip mismatch: got %v, want %v", decoded, raw)
	}
}
