// Package shellcmd validates and renders the shell command strings that
// arrive through configuration. Commands are parsed with mvdan.cc/sh (the
// shfmt parser) so malformed configuration is rejected at load time,
// before any process is ever spawned.
package shellcmd

import (
	"bytes"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Validate parses command as Bash and returns an error describing the
// first syntax problem. An empty command is invalid: configured gates and
// services must always carry a runnable command string.
func Validate(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command")
	}
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(command), ""); err != nil {
		return fmt.Errorf("invalid shell command %q: %w", command, err)
	}
	return nil
}

// Summarize renders command as a compact single line for log output,
// collapsing whitespace through the canonical printer and truncating at
// maxLen runes with an ellipsis. On parse error the raw input is
// truncated instead; summarization never fails.
func Summarize(command string, maxLen int) string {
	command = strings.TrimSpace(command)

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	prog, err := parser.Parse(strings.NewReader(command), "")
	if err == nil {
		var buf bytes.Buffer
		printer := syntax.NewPrinter(syntax.Minify(true))
		if err := printer.Print(&buf, prog); err == nil {
			command = strings.TrimSpace(buf.String())
		}
	}

	command = strings.ReplaceAll(command, "\n", " ")
	runes := []rune(command)
	if maxLen > 3 && len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return command
}
