package gtp

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// Capabilities is the engine capability profile, discovered once after
// spawn. It selects which time-setup dialect the clock translator emits.
type Capabilities struct {
	// KGSTime: the engine implements kgs-time_settings.
	KGSTime bool

	// KataTime: the engine implements kata-time_settings.
	KataTime bool

	// FischerCapped: kata-list_time_settings advertises fischer-capped.
	FischerCapped bool
}

// StderrEvent is one decoded stderr line. Lines tagged with a chat
// channel carry the lowercased channel and the body; everything else is
// diagnostic.
type StderrEvent struct {
	Line        string
	ChatChannel string
	ChatBody    string
}

// IsChat reports whether the line was chat-tagged.
func (e StderrEvent) IsChat() bool { return e.ChatChannel != "" }

var chatLine = regexp.MustCompile(`^(DISCUSSION|MALKOVICH):(.*)$`)

// ParseChat extracts a chat channel tag from a stderr line. The channel
// is returned lowercased; ok is false for untagged lines.
func ParseChat(line string) (channel, body string, ok bool) {
	m := chatLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
}

var pvLine = regexp.MustCompile(`\bPV:\s*(\S.*)$`)

// ParsePV extracts a principal variation from an analysis-style stderr
// line ("... PV: Q16 D4 ..."). ok is false when the line carries none.
func ParsePV(line string) (pv string, ok bool) {
	m := pvLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// newFrameScanner returns a scanner yielding one GTP response frame per
// token. A frame is complete when the buffered input ends with two
// consecutive line terminators (LF or CRLF); the blank line is consumed
// but not part of the token. A trailing partial frame at EOF is dropped;
// the wait loop settles whatever it left pending.
func newFrameScanner(r io.Reader, max int) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, max)), max)
	sc.Split(scanFrames)
	return sc
}

// scanFrames is the bufio.SplitFunc implementing GTP framing: tokens are
// separated by a blank line. Tokens may retain a trailing '\r' from CRLF
// input; classification trims it.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(data) && data[j] == '\r' {
			j++
		}
		if j < len(data) && data[j] == '\n' {
			return j + 1, data[:i], nil
		}
	}
	return 0, nil, nil
}

// newLineScanner returns a plain line scanner with the same buffer cap
// as the frame scanner, for the stderr side channel.
func newLineScanner(r io.Reader, max int) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, max)), max)
	return sc
}
