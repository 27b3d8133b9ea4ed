// Package config handles refinewatch.yaml loading.
package config

import (
	"os"
	"regexp"
	"strings"
)

// envRef matches ${NAME} and ${NAME:-fallback}. A bare $NAME is left alone
// so values like "$5" survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnv substitutes environment references in a config document.
// An unset or empty variable takes its fallback, or expands to nothing.
func ExpandEnv(doc string) string {
	var b strings.Builder
	last := 0
	for _, m := range envRef.FindAllStringSubmatchIndex(doc, -1) {
		b.WriteString(doc[last:m[0]])
		name := doc[m[2]:m[3]]
		if v := os.Getenv(name); v != "" {
			b.WriteString(v)
		} else if m[4] >= 0 {
			b.WriteString(strings.TrimPrefix(doc[m[4]:m[5]], ":-"))
		}
		last = m[1]
	}
	b.WriteString(doc[last:])
	return b.String()
}
