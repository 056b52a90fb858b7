package term

import (
	"regexp"
	"strings"
)

// tokenColors maps the (@token) markup gritsync's log call sites use to
// ANSI SGR codes. (@r) always resets.
var tokenColors = map[string]string{
	"host":   "33", // yellow
	"path":   "36", // cyan
	"error":  "31", // red
	"commit": "32", // green
	"dim":    "2",
	"bright": "1",
}

var markupRE = regexp.MustCompile(`\(@([a-z]+)\)`)

// resolveMarkup turns "(@token)text(@r)" into ANSI-colored text, or strips
// all markup to plain text when color is disabled.
func resolveMarkup(s string, color bool) string {
	if !color {
		return markupRE.ReplaceAllString(s, "")
	}
	var b strings.Builder
	last := 0
	open := false
	for _, loc := range markupRE.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:loc[0]])
		token := s[loc[2]:loc[3]]
		if token == "r" {
			b.WriteString("\033[0m")
			open = false
		} else if code, ok := tokenColors[token]; ok {
			b.WriteString("\033[" + code + "m")
			open = true
		}
		last = loc[1]
	}
	b.WriteString(s[last:])
	if open {
		b.WriteString("\033[0m")
	}
	return b.String()
}

// stripANSI removes already-rendered ANSI SGR sequences, used when a
// downstream subprocess (the DVCS client with color.ui=always) emits its
// own color codes and --no-color was requested.
var ansiRE = regexp.MustCompile("\x1b\\[[0-9;]*m")

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}
