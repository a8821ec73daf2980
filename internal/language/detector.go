// Package language detects, translates and transcribes worker messages.
package language

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// stopwords are short, frequent words that identify a language on their own.
var stopwords = map[string][]string{
	"en": {"the", "is", "and", "my", "i", "to", "on", "of", "what", "there", "it", "with", "need", "please", "hello", "hi", "thanks"},
	"fr": {"le", "la", "les", "et", "est", "je", "mon", "ma", "des", "un", "une", "sur", "pour", "il", "bonjour", "merci", "avec", "pas"},
	"es": {"el", "la", "los", "las", "y", "es", "yo", "mi", "mis", "un", "una", "para", "hay", "hola", "gracias", "con", "por", "que"},
	"pt": {"o", "a", "os", "as", "e", "eu", "meu", "minha", "um", "uma", "para", "tem", "olá", "ola", "obrigado", "com", "não", "nao"},
}

// Detector guesses the language of short chat messages among a fixed set of
// supported languages.
type Detector struct {
	supported []language.Tag
	matcher   language.Matcher
	fallback  string
	words     map[string]map[string]struct{}
}

// NewDetector creates a detector for supported base languages (e.g. "en",
// "fr"). The first supported language is the fallback.
func NewDetector(supported []string) *Detector {
	d := &Detector{words: make(map[string]map[string]struct{})}
	for _, s := range supported {
		tag, err := language.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		base, _ := tag.Base()
		d.supported = append(d.supported, language.Make(base.String()))
	}
	if len(d.supported) == 0 {
		d.supported = []language.Tag{language.English}
	}
	d.matcher = language.NewMatcher(d.supported)
	d.fallback = baseOf(d.supported[0])

	for _, tag := range d.supported {
		code := baseOf(tag)
		set := make(map[string]struct{}, len(stopwords[code]))
		for _, w := range stopwords[code] {
			set[w] = struct{}{}
		}
		d.words[code] = set
	}
	return d
}

// Supported lists the supported base languages in configuration order.
func (d *Detector) Supported() []string {
	out := make([]string, 0, len(d.supported))
	for _, t := range d.supported {
		out = append(out, baseOf(t))
	}
	return out
}

// Fallback is the language used when nothing better is known.
func (d *Detector) Fallback() string { return d.fallback }

// Normalize maps a BCP 47 tag such as "pt-BR" or "fr_CA" to a supported
// base language. It reports false when no supported language matches.
func (d *Detector) Normalize(tag string) (string, bool) {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	if tag == "" {
		return "", false
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", false
	}
	_, idx, conf := d.matcher.Match(t)
	if conf == language.No {
		return "", false
	}
	return baseOf(d.supported[idx]), true
}

// Detect guesses the language of text. A clear stopword majority wins;
// otherwise the hint (usually the user's profile language) is used, then
// the fallback.
func (d *Detector) Detect(text, hint string) string {
	scores := make(map[string]int, len(d.words))
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		for code, set := range d.words {
			if _, ok := set[tok]; ok {
				scores[code]++
			}
		}
	}

	best, bestScore, tie := "", 0, false
	for _, code := range d.Supported() {
		switch s := scores[code]; {
		case s > bestScore:
			best, bestScore, tie = code, s, false
		case s == bestScore && s > 0:
			tie = true
		}
	}
	if bestScore > 0 && !tie {
		return best
	}
	if lang, ok := d.Normalize(hint); ok {
		return lang
	}
	return d.fallback
}

func baseOf(t language.Tag) string {
	base, _ := t.Base()
	return base.String()
}
