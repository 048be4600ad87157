package substrate

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"
)

// WriteChunkSize bounds how much raw content one exec invocation carries.
const WriteChunkSize = 1 << 20

// heredocEOF delimits the base64 payload. The underscore keeps it out of
// the base64 alphabet so content can never terminate the document early.
const heredocEOF = "STUDIO_B64"

const b64LineWidth = 76

// ShellQuote wraps s in single quotes for safe interpolation into a shell
// command. Embedded single quotes are closed, escaped and reopened.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteScripts returns one shell script per WriteChunkSize chunk of
// content. Each script carries its chunk base64-encoded inside a here-doc
// piped through `base64 -d`, and is meant to be fed to `sh` over stdin so
// no payload ever rides in argv. The first script creates parent
// directories and truncates the target; the rest append.
func WriteScripts(abs string, content []byte) []string {
	target := ShellQuote(abs)
	parent := ShellQuote(path.Dir(abs))

	if len(content) == 0 {
		return []string{fmt.Sprintf("mkdir -p %s && : > %s\n", parent, target)}
	}

	var scripts []string
	for off := 0; off < len(content); off += WriteChunkSize {
		end := off + WriteChunkSize
		if end > len(content) {
			end = len(content)
		}

		var b strings.Builder
		if off == 0 {
			fmt.Fprintf(&b, "mkdir -p %s && base64 -d > %s <<'%s'\n", parent, target, heredocEOF)
		} else {
			fmt.Fprintf(&b, "base64 -d >> %s <<'%s'\n", target, heredocEOF)
		}
		writeBase64Lines(&b, content[off:end])
		b.WriteString(heredocEOF)
		b.WriteString("\n")

		scripts = append(scripts, b.String())
	}
	return scripts
}

// writeBase64Lines encodes raw and writes it wrapped at a fixed width, the
// way base64 tooling expects multi-line input.
func writeBase64Lines(b *strings.Builder, raw []byte) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	for len(encoded) > b64LineWidth {
		b.WriteString(encoded[:b64LineWidth])
		b.WriteString("\n")
		encoded = encoded[b64LineWidth:]
	}
	b.WriteString(encoded)
	b.WriteString("\n")
}

// ShellCommand wraps a user command for exec: it changes into workdir when
// given and runs the command under `sh -c`.
func ShellCommand(workdir, command string) []string {
	if workdir != "" {
		command = fmt.Sprintf("cd %s && %s", ShellQuote(workdir), command)
	}
	return []string{"/bin/sh", "-c", command}
}
