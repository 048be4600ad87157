package tools

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/tesslate/studio/pkg/types"
)

// blockedBinaries are refused outright. Approval cannot override: the
// sandbox has no business running any of these.
var blockedBinaries = map[string]bool{
	"sudo":      true,
	"su":        true,
	"doas":      true,
	"mount":     true,
	"umount":    true,
	"systemctl": true,
	"reboot":    true,
	"shutdown":  true,
	"eval":      true,
	"exec":      true,
	"mkfs":      true,
	"dd":        true,
}

// blockedPatterns are refused like the binaries above. None of these
// has a legitimate use inside the sandbox, so no approval is offered.
var blockedPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{
		// curl ... | sh and close relatives
		regexp.MustCompile(`\|\s*(ba|z|da|a)?sh\b`),
		"pipes downloaded or generated content into a shell",
	},
	{
		regexp.MustCompile(`(^|[;&|]\s*)rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/app/?|\.\.?)(\s|$)`),
		"recursively deletes at or above the workspace root",
	},
	{
		regexp.MustCompile(`[>]{1,2}\s*/(etc|usr|bin|sbin|lib|boot|root|var/lib)(/|\s|$)`),
		"redirects output into a system path",
	},
	{
		regexp.MustCompile(`\bchmod\s+[0-7]*7[0-7]*\s+/`),
		"changes permissions on system paths",
	},
}

// dangerousPatterns are sometimes legitimate, so they gate on a human
// instead of refusing.
var dangerousPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{
		regexp.MustCompile(`\b(npm\s+(install|i)\s+(-g|--global)|yarn\s+global\s+add|pip\d?\s+install\s+[^|;]*--(user|break-system-packages)|apk\s+add|apt(-get)?\s+install)\b`),
		"installs packages outside the project",
	},
	{
		regexp.MustCompile(`(^|\s)(/etc|/usr|/bin|/sbin|/lib|/boot|/root|/var)(/\S*)?(\s|$)`),
		"touches paths outside the workspace",
	},
}

// separatorPattern splits a shell command into simple sub-commands so
// every command head is checked, not only the first. Parens cover
// $(...) substitution and subshells in one stroke.
var separatorPattern = regexp.MustCompile("[;&|()]+|`")

// checkBlocklist scans every command position for a blocked binary.
func checkBlocklist(command string) error {
	for _, segment := range separatorPattern.Split(command, -1) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		// env VAR=x cmd and similar prefixes
		for len(fields) > 1 && (strings.Contains(head, "=") || head == "env" || head == "command" || head == "nohup" || head == "time") {
			fields = fields[1:]
			head = fields[0]
		}
		head = strings.TrimPrefix(head, "\\")
		if i := strings.LastIndex(head, "/"); i >= 0 {
			head = head[i+1:]
		}
		if blockedBinaries[head] {
			return fmt.Errorf("%w: %s", types.ErrBlockedCommand, head)
		}
	}
	return nil
}

// blockedPatternReason returns why a command is refused, or "" when no
// blocked pattern matches.
func blockedPatternReason(command string) string {
	for _, p := range blockedPatterns {
		if p.pattern.MatchString(command) {
			return p.reason
		}
	}
	return ""
}

// dangerousCommandReason returns why a command needs approval, or ""
// when it looks safe.
func dangerousCommandReason(command string) string {
	for _, d := range dangerousPatterns {
		if d.pattern.MatchString(command) {
			return d.reason
		}
	}
	return ""
}

// planFetch gates outbound HTTP. Loopback and private ranges are
// refused outright (they reach the control plane and the substrate);
// unlisted public hosts need approval.
func planFetch(allowed []string, rawURL string) Decision {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Decision{Gate: GateBlock, Cause: types.UserErrorf("fetch: invalid url %q", rawURL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Decision{Gate: GateBlock, Cause: types.UserErrorf("fetch: scheme %q is not allowed", u.Scheme)}
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return Decision{Gate: GateBlock, Cause: types.Permanentf("fetch: %s resolves inside the private network", host)}
		}
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return Decision{Gate: GateBlock, Cause: types.Permanentf("fetch: %s resolves inside the private network", host)}
	}

	for _, a := range allowed {
		if strings.EqualFold(host, a) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(a)) {
			return Decision{Gate: GateExecute}
		}
	}
	return Decision{Gate: GateApprove, Reason: fmt.Sprintf("outbound request to %s", host)}
}
