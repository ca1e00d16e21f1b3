package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// allowedTags are the tags accepted in strict HTML fields.
var allowedTags = map[string]bool{
	"a": true, "abbr": true, "b": true, "blockquote": true, "br": true,
	"code": true, "del": true, "div": true, "em": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "hr": true,
	"i": true, "ins": true, "li": true, "mark": true, "ol": true, "p": true,
	"pre": true, "s": true, "small": true, "span": true, "strike": true,
	"strong": true, "sub": true, "sup": true, "table": true, "tbody": true,
	"td": true, "th": true, "thead": true, "tr": true, "u": true, "ul": true,
}

// permissiveExtraTags are additionally accepted in permissive HTML fields.
var permissiveExtraTags = map[string]bool{
	"img": true, "figure": true, "figcaption": true, "video": true,
	"audio": true, "source": true, "iframe": true,
}

// forbiddenTags are rejected in every mode.
var forbiddenTags = map[string]bool{
	"script": true, "style": true, "object": true, "embed": true,
	"form": true, "input": true, "textarea": true, "button": true,
}

var tagPattern = regexp.MustCompile(`</?\s*([a-zA-Z][a-zA-Z0-9]*)`)

// ValidateHTML checks that the markup only uses accepted tags. Strict mode
// restricts to basic formatting; permissive mode additionally allows media
// tags. Active content is rejected in both modes.
func ValidateHTML(markup string, permissive bool) error {
	for _, m := range tagPattern.FindAllStringSubmatch(markup, -1) {
		tag := strings.ToLower(m[1])
		if forbiddenTags[tag] {
			return fmt.Errorf("html tag <%s> is not allowed", tag)
		}
		if allowedTags[tag] {
			continue
		}
		if permissive && permissiveExtraTags[tag] {
			continue
		}
		return fmt.Errorf("html tag <%s> is not allowed", tag)
	}
	return nil
}
