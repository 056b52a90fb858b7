package hostctx

import "strings"

// shellQuote produces a POSIX sh-safe single-quoted token, used to build
// the one-line command string sent over `ssh user@host <cmd>`, since the
// transport is a literal remote shell invocation rather than an argv array.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$&|;<>()*?[]{}~`!\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteArgv joins argv into a single shell command line suitable for
// `ssh user@host <line>`.
func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

// ShellQuote is the exported form of shellQuote, for packages (such as
// internal/dvcs) that need to build their own cd-and-run shell lines
// against a Host's single Run(argv) entry point.
func ShellQuote(s string) string { return shellQuote(s) }

// QuoteArgv is the exported form of quoteArgv.
func QuoteArgv(argv []string) string { return quoteArgv(argv) }
