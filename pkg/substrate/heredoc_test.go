package substrate

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteScriptsSingleChunk(t *testing.T) {
	content := []byte("hello workspace\n")
	scripts := WriteScripts("/app/web/greeting.txt", content)

	if len(scripts) != 1 {
		t.Fatalf("WriteScripts() returned %d scripts, want 1", len(scripts))
	}
	s := scripts[0]
	if !strings.Contains(s, "mkdir -p '/app/web'") {
		t.Errorf("first script does not create the parent directory: %q", s)
	}
	if !strings.Contains(s, "base64 -d > '/app/web/greeting.txt'") {
		t.Errorf("first script does not truncate the target: %q", s)
	}
	if strings.Contains(s, ">>") {
		t.Errorf("single-chunk script must not append: %q", s)
	}
	if got := decodePayload(t, s); !bytes.Equal(got, content) {
		t.Errorf("decoded payload = %q, want %q", got, content)
	}
}

func TestWriteScriptsChunksLargeContent(t *testing.T) {
	content := make([]byte, WriteChunkSize+1234)
	for i := range content {
		content[i] = byte(i % 251)
	}
	scripts := WriteScripts("/app/api/blob.bin", content)

	if len(scripts) != 2 {
		t.Fatalf("WriteScripts() returned %d scripts, want 2", len(scripts))
	}
	if !strings.Contains(scripts[0], "base64 -d > ") {
		t.Errorf("first script must truncate: %q", scripts[0][:80])
	}
	if !strings.Contains(scripts[1], "base64 -d >> ") {
		t.Errorf("second script must append: %q", scripts[1][:80])
	}
	if strings.Contains(scripts[1], "mkdir") {
		t.Errorf("append scripts must not recreate directories")
	}

	var got []byte
	for _, s := range scripts {
		got = append(got, decodePayload(t, s)...)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled payload differs from original (%d vs %d bytes)", len(got), len(content))
	}
}

func TestWriteScriptsEmptyContent(t *testing.T) {
	scripts := WriteScripts("/app/web/empty.txt", nil)
	if len(scripts) != 1 {
		t.Fatalf("WriteScripts() returned %d scripts, want 1", len(scripts))
	}
	if !strings.Contains(scripts[0], ": > '/app/web/empty.txt'") {
		t.Errorf("empty write must truncate the target: %q", scripts[0])
	}
}

func TestWriteScriptsQuotesAwkwardNames(t *testing.T) {
	scripts := WriteScripts("/app/web/it's here.txt", []byte("x"))
	if len(scripts) != 1 {
		t.Fatalf("WriteScripts() returned %d scripts, want 1", len(scripts))
	}
	if !strings.Contains(scripts[0], `'it'\''s here.txt'`) {
		t.Errorf("target name is not shell quoted: %q", scripts[0])
	}
}

func TestShellCommand(t *testing.T) {
	got := ShellCommand("", "npm run dev")
	want := []string{"/bin/sh", "-c", "npm run dev"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("ShellCommand() = %v, want %v", got, want)
	}

	got = ShellCommand("web", "npm test")
	if got[2] != "cd 'web' && npm test" {
		t.Errorf("ShellCommand() with workdir = %q", got[2])
	}
}

// decodePayload extracts and decodes the base64 between the here-doc
// markers of one script.
func decodePayload(t *testing.T, script string) []byte {
	t.Helper()
	lines := strings.Split(script, "\n")
	var b64 strings.Builder
	in := false
	for _, line := range lines {
		switch {
		case strings.HasSuffix(line, "<<'"+heredocEOF+"'"):
			in = true
		case line == heredocEOF:
			in = false
		case in:
			b64.WriteString(line)
		}
	}
	raw, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		t.Fatalf("payload is not valid base64: %v", err)
	}
	return raw
}
