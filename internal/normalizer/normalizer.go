package normalizer

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	exclamationRun = regexp.MustCompile(`!{2,}`)
	questionRun    = regexp.MustCompile(`\?{2,}`)
	periodRun      = regexp.MustCompile(`\.{3,}`)
	commaRun       = regexp.MustCompile(`,{2,}`)
)

// typoFixes is a small deterministic dictionary of frequent misspellings seen
// in inbound support chats. Matching is whole-word and case-insensitive; the
// replacement keeps the canonical lowercase form.
var typoFixes = map[string]string{
	"превет":    "привет",
	"спасибп":   "спасибо",
	"пожалуста": "пожалуйста",
	"здраствуйте": "здравствуйте",
	"tommorow":  "tomorrow",
	"recieve":   "receive",
	"adress":    "address",
	"occured":   "occurred",
}

// Normalize cleans raw message text before any downstream decision. The steps
// are order-sensitive: whitespace collapse, trim, punctuation-run collapse,
// typo correction, noise-rune removal. Dropping an interior noise rune can
// merge the spaces around it into a new run, so whitespace collapses once
// more at the end. Idempotent: Normalize(Normalize(x)) == Normalize(x). An
// empty result is a valid outcome the caller must handle.
func Normalize(raw string) string {
	text := whitespaceRun.ReplaceAllString(raw, " ")
	text = strings.TrimSpace(text)
	text = collapsePunctuation(text)
	text = fixTypos(text)
	text = stripNoise(text)
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func collapsePunctuation(text string) string {
	text = exclamationRun.ReplaceAllString(text, "!")
	text = questionRun.ReplaceAllString(text, "?")
	text = periodRun.ReplaceAllString(text, "...")
	text = commaRun.ReplaceAllString(text, ",")
	return text
}

func fixTypos(text string) string {
	words := strings.Split(text, " ")
	for i, word := range words {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r)
		})
		if trimmed == "" {
			continue
		}
		fixed, ok := typoFixes[strings.ToLower(trimmed)]
		if !ok {
			continue
		}
		if isCapitalized(trimmed) {
			fixed = capitalize(fixed)
		}
		words[i] = strings.Replace(word, trimmed, fixed, 1)
	}
	return strings.Join(words, " ")
}

// stripNoise drops control characters and other non-printable runes that leak
// in from copy-paste and broken clients.
func stripNoise(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		if !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, text)
}

func isCapitalized(word string) bool {
	runes := []rune(word)
	return len(runes) > 0 && unicode.IsUpper(runes[0])
}

func capitalize(word string) string {
	runes := []rune(word)
	if len(runes) == 0 {
		return word
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
