// ABOUTME: Outbound sanitization transform applied before transmission.
// ABOUTME: Escapes markdown control characters so LLM output cannot inject formatting.

package conversation

import "strings"

// markdownEscaper escapes every character with markdown meaning so the
// channel renders the message as literal text.
var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"]", `\]`,
	"(", `\(`,
	")", `\)`,
	"~", `\~`,
	"`", "\\`",
	">", `\>`,
	"#", `\#`,
	"+", `\+`,
	"-", `\-`,
	"=", `\=`,
	"|", `\|`,
	"{", `\{`,
	"}", `\}`,
	".", `\.`,
	"!", `\!`,
)

// EscapeMarkdown returns text with markdown special characters escaped.
func EscapeMarkdown(text string) string {
	return markdownEscaper.Replace(text)
}
