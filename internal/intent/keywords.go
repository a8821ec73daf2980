// Package intent classifies inbound messages and routes them to handlers.
package intent

import (
	"strings"
	"unicode"

	"github.com/ashureev/fieldchat/internal/domain"
)

const (
	exactConfidence     = 0.98
	substringConfidence = 0.90
)

// Keywords maps an intent to its trigger phrases in every supported language.
type Keywords map[domain.Intent][]string

// DefaultKeywords is the built-in en/fr/es/pt phrase table.
var DefaultKeywords = Keywords{
	domain.IntentGreeting: {
		"hello", "hi", "hey", "good morning", "good afternoon",
		"bonjour", "salut", "bonsoir",
		"hola", "buenos dias", "buenas tardes",
		"ola", "olá", "bom dia", "boa tarde",
	},
	domain.IntentHelp: {
		"help", "menu", "aide", "ayuda", "ajuda",
	},
	domain.IntentListTasks: {
		"tasks", "my tasks", "list tasks",
		"taches", "tâches", "mes taches", "mes tâches",
		"tareas", "mis tareas",
		"tarefas", "minhas tarefas",
	},
	domain.IntentReportIncident: {
		"incident", "report incident", "accident",
		"signaler incident", "incidente", "reportar incidente",
	},
	domain.IntentUpdateProgress: {
		"progress", "update progress", "avancement", "progreso", "progresso",
	},
	domain.IntentSetProject: {
		"project", "projet", "proyecto", "projeto",
	},
	domain.IntentCancel: {
		"cancel", "stop", "annuler", "cancelar", "parar",
	},
	domain.IntentEscalate: {
		"supervisor", "human", "escalate", "humain", "humano", "superviseur",
	},
}

// matchOrder fixes which intent wins when a message contains several phrases.
var matchOrder = []domain.Intent{
	domain.IntentCancel,
	domain.IntentEscalate,
	domain.IntentReportIncident,
	domain.IntentUpdateProgress,
	domain.IntentSetProject,
	domain.IntentListTasks,
	domain.IntentHelp,
	domain.IntentGreeting,
}

// priorities assigns a serving tier per intent.
var priorities = map[domain.Intent]domain.Priority{
	domain.IntentCancel:         domain.PriorityHigh,
	domain.IntentEscalate:       domain.PriorityHigh,
	domain.IntentReportIncident: domain.PriorityHigh,
	domain.IntentContinueFlow:   domain.PriorityNormal,
	domain.IntentGeneral:        domain.PriorityLow,
	domain.IntentGreeting:       domain.PriorityLow,
}

// PriorityOf returns the serving tier of an intent.
func PriorityOf(it domain.Intent) domain.Priority {
	if p, ok := priorities[it]; ok {
		return p
	}
	return domain.PriorityNormal
}

type keywordMatch struct {
	intent     domain.Intent
	exact      bool
	confidence float64
	parameters map[string]string
}

type phrase struct {
	intent domain.Intent
	words  []string
}

type keywordIndex struct {
	byIntent map[domain.Intent][]phrase
}

func newKeywordIndex(kw Keywords) *keywordIndex {
	idx := &keywordIndex{byIntent: make(map[domain.Intent][]phrase, len(kw))}
	for it, phrases := range kw {
		for _, p := range phrases {
			words := tokenize(strings.ToLower(p))
			if len(words) == 0 {
				continue
			}
			idx.byIntent[it] = append(idx.byIntent[it], phrase{intent: it, words: words})
		}
	}
	return idx
}

// match returns the best keyword hit. An exact hit means the whole message
// is the phrase; otherwise the phrase must appear as whole words.
func (idx *keywordIndex) match(text string) (keywordMatch, bool) {
	original := tokenize(text)
	lowered := make([]string, len(original))
	for i, w := range original {
		lowered[i] = strings.ToLower(w)
	}
	if len(lowered) == 0 {
		return keywordMatch{}, false
	}

	for _, it := range matchOrder {
		for _, p := range idx.byIntent[it] {
			if equalWords(lowered, p.words) {
				return keywordMatch{intent: it, exact: true, confidence: exactConfidence}, true
			}
		}
	}
	for _, it := range matchOrder {
		for _, p := range idx.byIntent[it] {
			at := indexWords(lowered, p.words)
			if at < 0 {
				continue
			}
			m := keywordMatch{intent: it, confidence: substringConfidence}
			if it == domain.IntentSetProject {
				rest := original[at+len(p.words):]
				if len(rest) > 0 {
					m.parameters = map[string]string{"project": strings.Join(rest, " ")}
				}
			}
			return m, true
		}
	}
	return keywordMatch{}, false
}

// tokenize splits on anything that is not a letter, digit, hyphen or
// underscore, so "P-100" survives as one word.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexWords(haystack, needle []string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalWords(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
