package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseParent returns the id prefix up to the last dot.
// Top-level ids have no parent and return "".
func ParseParent(id string) string {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// Depth returns the replanning generation encoded in an id.
// "2" is depth 0, "2.1" is depth 1, "2.1.3" is depth 2.
func Depth(id string) int {
	return strings.Count(id, ".")
}

// ChildID builds the id of the n-th child (1-based) of parent.
func ChildID(parent string, n int) string {
	return parent + "." + strconv.Itoa(n)
}

// ValidID reports whether id is a well-formed dotted path of positive integers.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, part := range strings.Split(id, ".") {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || strconv.Itoa(n) != part {
			return false
		}
	}
	return true
}

// IsDescendant reports whether id lies strictly below ancestor.
func IsDescendant(id, ancestor string) bool {
	return strings.HasPrefix(id, ancestor+".")
}

// MaxDepthFor returns how many generations of decomposition a graph of the
// given complexity may use. Simple plans get one level, complex plans up to
// the configured ceiling.
func MaxDepthFor(complexity, ceiling int) int {
	if ceiling < 1 {
		return 0
	}
	depth := 1 + complexity/4
	if depth > ceiling {
		depth = ceiling
	}
	return depth
}

func lastSegment(id string) (int, error) {
	seg := id[strings.LastIndex(id, ".")+1:]
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, fmt.Errorf("invalid id segment %q in %q", seg, id)
	}
	return n, nil
}
