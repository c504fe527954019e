package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/haivivi/webchat/pkg/wire"
)

func TestDecodeText(t *testing.T) {
	f, err := wire.Decode([]byte(`{"kind":"msgnew","msgnew":{"text":"hello"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Kind != wire.KindMsgNew || f.New == nil || f.New.Text != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Binary != nil {
		t.Fatalf("unexpected binary payload: %q", f.Binary)
	}
}

func TestDecodeBinary(t *testing.T) {
	head := []byte(`{"kind":"msgnew","msgnew":{"mime_type":"audio/ogg"}}`)
	audio := []byte{0x4f, 0x67, 0x67, 0x53, 0x00, 0x02}
	data := append(append(append([]byte{}, head...), 0), audio...)

	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.New.MIMEType != "audio/ogg" {
		t.Fatalf("mime type = %q", f.New.MIMEType)
	}
	if !bytes.Equal(f.Binary, audio) {
		t.Fatalf("binary = %v, want %v", f.Binary, audio)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad json", `{"kind":`},
		{"unknown kind", `{"kind":"bogus"}`},
		{"unknown field", `{"kind":"msgnew","msgnew":{"text":"x"},"extra":1}`},
		{"msgnew no payload", `{"kind":"msgnew"}`},
		{"msgnew empty", `{"kind":"msgnew","msgnew":{}}`},
		{"init no snapshot", `{"kind":"init"}`},
		{"init bad role", `{"kind":"init","init":{"messages":[{"role":"robot","content":"x"}]}}`},
		{"msgpart no payload", `{"kind":"msgpart"}`},
		{"msgerror unknown code", `{"kind":"msgerror","msgerror":{"code":"bogus"}}`},
		{"audio no payload", `{"kind":"audio"}`},
		{"msgpart with init body", `{"kind":"msgpart","msgpart":{"text":"x"},"init":{}}`},
		{"msgnew with realtime body", `{"kind":"msgnew","msgnew":{"text":"x"},"realtime":{"start":true}}`},
		{"audio with msgnew body", "{\"kind\":\"audio\",\"msgnew\":{\"text\":\"x\"}}\x00abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := wire.Decode([]byte(tc.data)); !errors.Is(err, wire.ErrMalformedFrame) {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	in := &wire.Frame{
		Kind: wire.KindInit,
		Init: &wire.Init{
			Model: "gpt-4o-mini",
			Messages: []wire.Message{
				{Role: wire.RoleUser, Content: "hi"},
				{Role: wire.RoleAssistant, Content: "hello"},
			},
		},
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Init.Messages) != 2 || out.Init.Messages[1].Content != "hello" {
		t.Fatalf("roundtrip mismatch: %+v", out.Init)
	}
}

func TestEncodeBinarySeparator(t *testing.T) {
	f := &wire.Frame{
		Kind:   wire.KindAudio,
		Binary: []byte{1, 2, 3},
	}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		t.Fatal("no separator in encoded frame")
	}
	if !bytes.Equal(data[i+1:], []byte{1, 2, 3}) {
		t.Fatalf("payload = %v", data[i+1:])
	}
}

func TestErrorCodeJSON(t *testing.T) {
	f, err := wire.Decode([]byte(`{"kind":"msgerror","msgerror":{"code":"moderation","message":"flagged"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Error.Code != wire.CodeModeration {
		t.Fatalf("code = %v", f.Error.Code)
	}
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Contains(data, []byte(`"moderation"`)) {
		t.Fatalf("encoded = %s", data)
	}
}
