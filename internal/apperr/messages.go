package apperr

import "strings"

var userMessages = map[string]map[Kind]string{
	"en": {
		KindUnauthorized: "This number is not registered. Please contact your supervisor.",
		KindTimeout:      "This is taking longer than expected. Please send your message again.",
		"":               "Something went wrong. Please try again in a moment.",
	},
	"fr": {
		KindUnauthorized: "Ce numéro n'est pas enregistré. Contactez votre superviseur.",
		KindTimeout:      "Cela prend plus de temps que prévu. Merci de renvoyer votre message.",
		"":               "Une erreur est survenue. Merci de réessayer dans un instant.",
	},
	"es": {
		KindUnauthorized: "Este número no está registrado. Contacte a su supervisor.",
		KindTimeout:      "Esto está tardando más de lo esperado. Por favor, envíe su mensaje de nuevo.",
		"":               "Algo salió mal. Por favor, inténtelo de nuevo en un momento.",
	},
	"pt": {
		KindUnauthorized: "Este número não está registado. Contacte o seu supervisor.",
		KindTimeout:      "Isto está a demorar mais do que o esperado. Envie a sua mensagem novamente.",
		"":               "Algo correu mal. Tente novamente dentro de momentos.",
	},
}

// UserMessage returns the localised, detail-free text shown to a user for
// err. Unknown languages fall back to English.
func UserMessage(err error, lang string) string {
	table, ok := userMessages[baseLanguage(lang)]
	if !ok {
		table = userMessages["en"]
	}
	if msg, ok := table[KindOf(err)]; ok {
		return msg
	}
	return table[""]
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
