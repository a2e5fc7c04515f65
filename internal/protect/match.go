package protect

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matchCapability reports whether a qualified capability name matches pattern,
// ignoring case. Capability names hold no '/', so '*' spans the server
// separator.
func matchCapability(name, pattern string) bool {
	ok, err := doublestar.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// matchPath reports whether a slash-separated path matches a protected
// pattern. A trailing "/**" also matches the directory itself.
func matchPath(path, pattern string) bool {
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// validPattern reports whether pattern is a well-formed glob.
func validPattern(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}
