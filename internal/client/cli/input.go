package cli

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// interactive reports whether stdin is a terminal. The prompt is only
// printed for interactive sessions so piped scripts produce clean output.
func interactive() bool {
	return isTerminal(int(os.Stdin.Fd()))
}

// splitOptions separates "-name" options from positional words.
func splitOptions(args []string) (words []string, opts map[string]bool) {
	opts = make(map[string]bool)
	for _, a := range args {
		if len(a) > 1 && strings.HasPrefix(a, "-") {
			opts[strings.TrimLeft(a, "-")] = true
			continue
		}
		words = append(words, a)
	}
	return words, opts
}
