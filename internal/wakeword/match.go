package wakeword

import (
	"strings"
	"unicode"
)

// DefaultPhrases are the accepted activation phrases.
var DefaultPhrases = []string{
	"hey pam",
	"hi pam",
	"hello pam",
	"good morning pam",
	"good afternoon pam",
	"good evening pam",
	"morning pam",
	"evening pam",
	"yo pam",
	"ok pam",
	"okay pam",
}

// Normalize lowercases s, turns punctuation into spaces, drops apostrophes
// and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Match reports whether transcript is one of phrases, or starts with one
// followed by more words. Phrases are compared after normalization.
// The remainder is whatever was said after the phrase.
func Match(transcript string, phrases []string) (phrase, remainder string, ok bool) {
	text := Normalize(transcript)
	if text == "" {
		return "", "", false
	}
	for _, p := range phrases {
		p = Normalize(p)
		if p == "" {
			continue
		}
		if text == p {
			return p, "", true
		}
		if strings.HasPrefix(text, p+" ") {
			return p, text[len(p)+1:], true
		}
	}
	return "", "", false
}
