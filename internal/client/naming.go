package client

import (
	"strings"
	"unicode"

	"github.com/iancoleman/strcase"
)

var initialisms = map[string]string{
	"Id":   "ID",
	"Url":  "URL",
	"Uri":  "URI",
	"Json": "JSON",
	"Http": "HTTP",
	"Api":  "API",
}

// runtimeNames are declared by every generated package.
var runtimeNames = map[string]bool{
	"Client":         true,
	"Option":         true,
	"New":            true,
	"Error":          true,
	"DefaultURL":     true,
	"WithHTTPClient": true,
	"WithHeader":     true,
	"ID":             true,
	"GraphQLError":   true,
	"GraphQLErrors":  true,
	"GraphQLPath":    true,
}

// exportName turns a schema identifier into an exported Go name:
// where.movieId.eq becomes WhereMovieIDEq.
func exportName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '_'
	}, s)
	name := fixInitialisms(strcase.ToCamel(s))
	if name == "" {
		return "X"
	}
	if unicode.IsDigit(rune(name[0])) {
		name = "X" + name
	}
	return name
}

// typeName is exportName for declared types, which must not shadow the
// runtime of the generated package.
func typeName(s string) string {
	name := exportName(s)
	if runtimeNames[name] {
		name += "Type"
	}
	return name
}

// fixInitialisms upper-cases known initialisms that end a word.
func fixInitialisms(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		replaced := false
		for word, initialism := range initialisms {
			if !strings.HasPrefix(s[i:], word) {
				continue
			}
			end := i + len(word)
			if end == len(s) || unicode.IsUpper(rune(s[end])) || unicode.IsDigit(rune(s[end])) {
				b.WriteString(initialism)
				i = end - 1
				replaced = true
				break
			}
		}
		if !replaced {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// packageName derives a Go package name from the client name.
func packageName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	pkg := b.String()
	if pkg == "" || unicode.IsDigit(rune(pkg[0])) {
		pkg = "client" + pkg
	}
	return pkg
}
