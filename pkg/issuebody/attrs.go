package issuebody

import (
	"fmt"
	"regexp"
	"strings"
)

// Attribute keys stored as hidden single-line HTML comments in a
// sub-ticket body. They survive body rewrites and are the per-task
// scratch space for progress reporting.
const (
	AttrAgentMessage  = "agent-message"
	AttrToolsUsed     = "tools-used"
	AttrRetryCount    = "retry-count"
	AttrLastRetryTime = "last-retry-time"
)

var attrPattern = regexp.MustCompile(`(?m)^<!-- orch:attr:([a-z-]+)=(.*?) -->$`)

// Attributes reads every attribute marker in a body.
func Attributes(body string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(body, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}

// Attribute reads a single attribute value.
func Attribute(body, key string) (string, bool) {
	v, ok := Attributes(body)[key]
	return v, ok
}

// SetAttributes returns the body with the given attributes written,
// replacing existing markers in place and appending new ones at the
// end. Values are flattened to a single line.
func SetAttributes(body string, updates map[string]string) string {
	pending := make(map[string]string, len(updates))
	for k, v := range updates {
		pending[k] = sanitizeAttrValue(v)
	}

	out := attrPattern.ReplaceAllStringFunc(body, func(line string) string {
		m := attrPattern.FindStringSubmatch(line)
		v, ok := pending[m[1]]
		if !ok {
			return line
		}
		delete(pending, m[1])
		return attrLine(m[1], v)
	})

	if len(pending) == 0 {
		return out
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(out, "\n"))
	b.WriteString("\n")
	// Append in a stable order so repeated writes do not reshuffle.
	for _, k := range []string{AttrAgentMessage, AttrToolsUsed, AttrRetryCount, AttrLastRetryTime} {
		if v, ok := pending[k]; ok {
			b.WriteString("\n")
			b.WriteString(attrLine(k, v))
			delete(pending, k)
		}
	}
	for k, v := range pending {
		b.WriteString("\n")
		b.WriteString(attrLine(k, v))
	}
	return b.String()
}

func attrLine(key, value string) string {
	return fmt.Sprintf("<!-- orch:attr:%s=%s -->", key, value)
}

func sanitizeAttrValue(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "-->", "")
	return strings.TrimSpace(v)
}
