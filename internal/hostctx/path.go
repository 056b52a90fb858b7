package hostctx

import (
	"path"
	"strings"
)

// expandAndNormalize implements Host.Path: tilde-expand against homeFn's
// result, then normalize separators for the target OS. Local and remote
// hosts share this logic; only the homeFn (and its own caching) differs.
func expandAndNormalize(p string, homeFn func() (string, error), kind OSKind) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") || (kind == OSWindows && strings.HasPrefix(p, `~\`)) {
		home, err := homeFn()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(p, "~")
		rest = strings.TrimPrefix(rest, "/")
		if kind == OSWindows {
			rest = strings.TrimPrefix(rest, `\`)
		}
		p = joinPath(kind, home, rest)
	}
	return normalizePath(p, kind), nil
}

func joinPath(kind OSKind, base, rest string) string {
	if rest == "" {
		return base
	}
	sep := separator(kind)
	base = strings.TrimRight(base, "/\\")
	return base + sep + rest
}

func separator(kind OSKind) string {
	if kind == OSWindows {
		return `\`
	}
	return "/"
}

// normalizePath collapses "." and ".." segments. Windows paths use path
// separators as given by the caller (gritsync never invents Windows paths
// from scratch beyond what the user supplies); POSIX paths go through
// path.Clean.
func normalizePath(p string, kind OSKind) string {
	if kind == OSWindows {
		return p
	}
	if p == "" {
		return p
	}
	return path.Clean(p)
}
