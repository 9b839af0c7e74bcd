package cooperation

import "strings"

// Key identifies one unit of cooperative work: an action and its ordered scopes.
type Key string

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

// NewKey joins action and scopes with ":". Backslashes and colons inside a
// part are escaped, so different scope lists never produce the same key.
func NewKey(action string, scopes ...string) Key {
	var b strings.Builder
	b.WriteString(keyEscaper.Replace(action))
	for _, scope := range scopes {
		b.WriteByte(':')
		b.WriteString(keyEscaper.Replace(scope))
	}
	return Key(b.String())
}

func (k Key) String() string {
	return string(k)
}
