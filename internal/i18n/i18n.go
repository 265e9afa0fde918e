// ABOUTME: Built-in system messages and yes/no words per locale.
// ABOUTME: Flows may override any message through msg_<key> params.

package i18n

import "strings"

// Key names a system message.
type Key string

const (
	Busy     Key = "busy"
	Offline  Key = "offline"
	TryLater Key = "try_later"
	NoAgent  Key = "no_agent"
	Failure  Key = "error"
	Waiting  Key = "waiting"
)

// DefaultLocale is used when a locale has no table of its own.
const DefaultLocale = "en"

var messages = map[string]map[Key]string{
	"en": {
		Busy:     "All our assistants are busy right now, please try again in a moment.",
		Offline:  "The chat is offline. Thank you for contacting us.",
		TryLater: "Something went wrong on our side. Please try again later.",
		NoAgent:  "No operator is available at the moment. Please try again later.",
		Failure:  "An unexpected error occurred. The chat has been closed.",
		Waiting:  "Please wait, we are connecting you to an operator.",
	},
	"it": {
		Busy:     "Tutti i nostri assistenti sono occupati, riprova tra poco.",
		Offline:  "La chat non è disponibile. Grazie per averci contattato.",
		TryLater: "Si è verificato un problema. Riprova più tardi.",
		NoAgent:  "Nessun operatore disponibile al momento. Riprova più tardi.",
		Failure:  "Si è verificato un errore imprevisto. La chat è stata chiusa.",
		Waiting:  "Attendi, ti stiamo mettendo in contatto con un operatore.",
	},
	"fr": {
		Busy:     "Tous nos assistants sont occupés, veuillez réessayer dans un instant.",
		Offline:  "Le chat est hors ligne. Merci de nous avoir contactés.",
		TryLater: "Un problème est survenu. Veuillez réessayer plus tard.",
		NoAgent:  "Aucun opérateur n'est disponible pour le moment.",
		Failure:  "Une erreur inattendue est survenue. Le chat a été fermé.",
		Waiting:  "Veuillez patienter, nous vous mettons en relation avec un opérateur.",
	},
	"de": {
		Busy:     "Alle Assistenten sind gerade beschäftigt, bitte versuchen Sie es gleich noch einmal.",
		Offline:  "Der Chat ist offline. Danke für Ihre Nachricht.",
		TryLater: "Etwas ist schiefgelaufen. Bitte versuchen Sie es später erneut.",
		NoAgent:  "Zurzeit ist kein Mitarbeiter verfügbar.",
		Failure:  "Ein unerwarteter Fehler ist aufgetreten. Der Chat wurde beendet.",
		Waiting:  "Bitte warten, wir verbinden Sie mit einem Mitarbeiter.",
	},
	"es": {
		Busy:     "Todos nuestros asistentes están ocupados, inténtalo de nuevo en un momento.",
		Offline:  "El chat no está disponible. Gracias por contactarnos.",
		TryLater: "Algo salió mal. Inténtalo de nuevo más tarde.",
		NoAgent:  "No hay ningún operador disponible en este momento.",
		Failure:  "Se produjo un error inesperado. El chat se ha cerrado.",
		Waiting:  "Espera, te estamos conectando con un operador.",
	},
}

var booleans = map[string][2]string{
	"en": {"yes", "no"},
	"it": {"si", "no"},
	"fr": {"oui", "non"},
	"de": {"ja", "nein"},
	"es": {"si", "no"},
}

// Text returns the message for key in locale, falling back to English.
func Text(locale string, key Key) string {
	if table, ok := messages[base(locale)]; ok {
		if msg, ok := table[key]; ok {
			return msg
		}
	}
	return messages[DefaultLocale][key]
}

// BooleanWords returns the yes and no words for locale. Unknown locales report ok=false.
func BooleanWords(locale string) (yes, no string, ok bool) {
	words, ok := booleans[base(locale)]
	if !ok {
		return "", "", false
	}
	return words[0], words[1], true
}

// base reduces "en-US" or "pt_BR" to the language part.
func base(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	return l
}
