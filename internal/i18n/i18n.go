// Package i18n holds the localised replies of deterministic handlers and
// flows, so they can answer in the worker's language without a translation
// round trip.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	Greeting        = "greeting"
	GreetingNamed   = "greeting_named"
	Help            = "help"
	TasksNone       = "tasks_none"
	TasksHeader     = "tasks_header"
	TasksForProject = "tasks_for_project"
	ProjectSet      = "project_set"
	ProjectMissing  = "project_missing"
	ProjectUnknown  = "project_unknown"
	Cancelled       = "cancelled"
	NothingToCancel = "nothing_to_cancel"
	Escalated       = "escalated"
	FlowBusy        = "flow_busy"
	ConfirmOrEdit   = "confirm_or_edit"

	IncidentAskDescription = "incident_ask_description"
	IncidentAskLocation    = "incident_ask_location"
	IncidentAskSeverity    = "incident_ask_severity"
	IncidentBadSeverity    = "incident_bad_severity"
	IncidentSummary        = "incident_summary"
	IncidentSubmitted      = "incident_submitted"

	ProgressChooseTask = "progress_choose_task"
	ProgressNoTasks    = "progress_no_tasks"
	ProgressBadChoice  = "progress_bad_choice"
	ProgressAskPercent = "progress_ask_percent"
	ProgressBadPercent = "progress_bad_percent"
	ProgressAskNote    = "progress_ask_note"
	ProgressSummary    = "progress_summary"
	ProgressSubmitted  = "progress_submitted"
	SubmissionFailed   = "submission_failed"
)

var messages = map[string]map[string]string{
	"en": {
		Greeting:        "Hello! How can I help you today?",
		GreetingNamed:   "Hello %s! How can I help you today?",
		Help:            "I can help you:\n1. Report an incident\n2. Update the progress of a task\n3. List your tasks\n4. Set your current project (\"project P-100\")\nSend \"cancel\" at any time to stop the current request.",
		TasksNone:       "You have no open tasks.",
		TasksHeader:     "Your open tasks:",
		TasksForProject: "Your open tasks on %s:",
		ProjectSet:      "Your current project is now %s.",
		ProjectMissing:  "Which project? Send for example \"project P-100\".",
		ProjectUnknown:  "I could not find project %s.",
		Cancelled:       "Done, the current request was cancelled.",
		NothingToCancel: "There is nothing to cancel.",
		Escalated:       "A supervisor has been notified and will contact you shortly.",
		FlowBusy:        "You are in the middle of another request. Finish it or send \"cancel\" first.",
		ConfirmOrEdit:   "Reply \"yes\" to submit or \"edit\" to change it.",

		IncidentAskDescription: "What happened? Describe the incident.",
		IncidentAskLocation:    "Where did it happen?",
		IncidentAskSeverity:    "How serious is it? Reply low, medium or high.",
		IncidentBadSeverity:    "Please reply low, medium or high.",
		IncidentSummary:        "Please check the incident report:\nDescription: %s\nLocation: %s\nSeverity: %s",
		IncidentSubmitted:      "Your incident report was submitted. Reference: %s.",

		ProgressChooseTask: "Which task do you want to update? Reply with its number.",
		ProgressNoTasks:    "You have no open tasks to update.",
		ProgressBadChoice:  "Please reply with the number of a task from the list.",
		ProgressAskPercent: "What is the progress on %s, in percent?",
		ProgressBadPercent: "Please send a number between 0 and 100.",
		ProgressAskNote:    "Anything to add? Reply \"no\" to skip.",
		ProgressSummary:    "Please check the update:\nTask: %s\nProgress: %d%%\nNote: %s",
		ProgressSubmitted:  "Progress on %s was recorded.",
		SubmissionFailed:   "I could not submit this right now. Reply \"yes\" to try again or \"cancel\" to stop.",
	},
	"fr": {
		Greeting:        "Bonjour ! Comment puis-je vous aider ?",
		GreetingNamed:   "Bonjour %s ! Comment puis-je vous aider ?",
		Help:            "Je peux vous aider à :\n1. Signaler un incident\n2. Mettre à jour l'avancement d'une tâche\n3. Lister vos tâches\n4. Choisir votre projet en cours (\"projet P-100\")\nEnvoyez \"annuler\" à tout moment pour arrêter la demande en cours.",
		TasksNone:       "Vous n'avez aucune tâche ouverte.",
		TasksHeader:     "Vos tâches ouvertes :",
		TasksForProject: "Vos tâches ouvertes sur %s :",
		ProjectSet:      "Votre projet en cours est maintenant %s.",
		ProjectMissing:  "Quel projet ? Envoyez par exemple \"projet P-100\".",
		ProjectUnknown:  "Je n'ai pas trouvé le projet %s.",
		Cancelled:       "C'est fait, la demande en cours est annulée.",
		NothingToCancel: "Il n'y a rien à annuler.",
		Escalated:       "Un superviseur a été prévenu et va vous contacter rapidement.",
		FlowBusy:        "Une autre demande est en cours. Terminez-la ou envoyez \"annuler\" d'abord.",
		ConfirmOrEdit:   "Répondez \"oui\" pour envoyer ou \"modifier\" pour corriger.",

		IncidentAskDescription: "Que s'est-il passé ? Décrivez l'incident.",
		IncidentAskLocation:    "Où cela s'est-il produit ?",
		IncidentAskSeverity:    "Quelle est la gravité ? Répondez faible, moyenne ou haute.",
		IncidentBadSeverity:    "Merci de répondre faible, moyenne ou haute.",
		IncidentSummary:        "Vérifiez le signalement :\nDescription : %s\nLieu : %s\nGravité : %s",
		IncidentSubmitted:      "Votre signalement a été envoyé. Référence : %s.",

		ProgressChooseTask: "Quelle tâche voulez-vous mettre à jour ? Répondez avec son numéro.",
		ProgressNoTasks:    "Vous n'avez aucune tâche ouverte à mettre à jour.",
		ProgressBadChoice:  "Merci de répondre avec le numéro d'une tâche de la liste.",
		ProgressAskPercent: "Quel est l'avancement de %s, en pourcentage ?",
		ProgressBadPercent: "Merci d'envoyer un nombre entre 0 et 100.",
		ProgressAskNote:    "Un commentaire à ajouter ? Répondez \"non\" pour passer.",
		ProgressSummary:    "Vérifiez la mise à jour :\nTâche : %s\nAvancement : %d %%\nCommentaire : %s",
		ProgressSubmitted:  "L'avancement de %s a été enregistré.",
		SubmissionFailed:   "Je n'ai pas pu envoyer pour le moment. Répondez \"oui\" pour réessayer ou \"annuler\" pour arrêter.",
	},
	"es": {
		Greeting:        "¡Hola! ¿En qué puedo ayudarle?",
		GreetingNamed:   "¡Hola %s! ¿En qué puedo ayudarle?",
		Help:            "Puedo ayudarle a:\n1. Reportar un incidente\n2. Actualizar el avance de una tarea\n3. Ver sus tareas\n4. Elegir su proyecto actual (\"proyecto P-100\")\nEnvíe \"cancelar\" en cualquier momento para detener la solicitud actual.",
		TasksNone:       "No tiene tareas abiertas.",
		TasksHeader:     "Sus tareas abiertas:",
		TasksForProject: "Sus tareas abiertas en %s:",
		ProjectSet:      "Su proyecto actual ahora es %s.",
		ProjectMissing:  "¿Qué proyecto? Envíe por ejemplo \"proyecto P-100\".",
		ProjectUnknown:  "No encontré el proyecto %s.",
		Cancelled:       "Listo, la solicitud actual fue cancelada.",
		NothingToCancel: "No hay nada que cancelar.",
		Escalated:       "Se avisó a un supervisor y le contactará en breve.",
		FlowBusy:        "Tiene otra solicitud en curso. Termínela o envíe \"cancelar\" primero.",
		ConfirmOrEdit:   "Responda \"sí\" para enviar o \"editar\" para cambiarlo.",

		IncidentAskDescription: "¿Qué pasó? Describa el incidente.",
		IncidentAskLocation:    "¿Dónde ocurrió?",
		IncidentAskSeverity:    "¿Qué tan grave es? Responda baja, media o alta.",
		IncidentBadSeverity:    "Por favor responda baja, media o alta.",
		IncidentSummary:        "Revise el reporte:\nDescripción: %s\nLugar: %s\nGravedad: %s",
		IncidentSubmitted:      "Su reporte fue enviado. Referencia: %s.",

		ProgressChooseTask: "¿Qué tarea quiere actualizar? Responda con su número.",
		ProgressNoTasks:    "No tiene tareas abiertas para actualizar.",
		ProgressBadChoice:  "Por favor responda con el número de una tarea de la lista.",
		ProgressAskPercent: "¿Cuál es el avance de %s, en porcentaje?",
		ProgressBadPercent: "Por favor envíe un número entre 0 y 100.",
		ProgressAskNote:    "¿Algo que agregar? Responda \"no\" para omitir.",
		ProgressSummary:    "Revise la actualización:\nTarea: %s\nAvance: %d%%\nNota: %s",
		ProgressSubmitted:  "Se registró el avance de %s.",
		SubmissionFailed:   "No pude enviarlo ahora. Responda \"sí\" para reintentar o \"cancelar\" para detener.",
	},
	"pt": {
		Greeting:        "Olá! Como posso ajudar?",
		GreetingNamed:   "Olá %s! Como posso ajudar?",
		Help:            "Posso ajudar a:\n1. Reportar um incidente\n2. Atualizar o progresso de uma tarefa\n3. Listar as suas tarefas\n4. Definir o projeto atual (\"projeto P-100\")\nEnvie \"cancelar\" a qualquer momento para parar o pedido atual.",
		TasksNone:       "Não tem tarefas abertas.",
		TasksHeader:     "As suas tarefas abertas:",
		TasksForProject: "As suas tarefas abertas em %s:",
		ProjectSet:      "O seu projeto atual é agora %s.",
		ProjectMissing:  "Qual projeto? Envie por exemplo \"projeto P-100\".",
		ProjectUnknown:  "Não encontrei o projeto %s.",
		Cancelled:       "Feito, o pedido atual foi cancelado.",
		NothingToCancel: "Não há nada para cancelar.",
		Escalated:       "Um supervisor foi avisado e vai contactá-lo em breve.",
		FlowBusy:        "Tem outro pedido em curso. Termine-o ou envie \"cancelar\" primeiro.",
		ConfirmOrEdit:   "Responda \"sim\" para enviar ou \"editar\" para alterar.",

		IncidentAskDescription: "O que aconteceu? Descreva o incidente.",
		IncidentAskLocation:    "Onde aconteceu?",
		IncidentAskSeverity:    "Qual a gravidade? Responda baixa, média ou alta.",
		IncidentBadSeverity:    "Responda baixa, média ou alta.",
		IncidentSummary:        "Verifique o relatório:\nDescrição: %s\nLocal: %s\nGravidade: %s",
		IncidentSubmitted:      "O seu relatório foi enviado. Referência: %s.",

		ProgressChooseTask: "Que tarefa quer atualizar? Responda com o número.",
		ProgressNoTasks:    "Não tem tarefas abertas para atualizar.",
		ProgressBadChoice:  "Responda com o número de uma tarefa da lista.",
		ProgressAskPercent: "Qual o progresso de %s, em percentagem?",
		ProgressBadPercent: "Envie um número entre 0 e 100.",
		ProgressAskNote:    "Algo a acrescentar? Responda \"não\" para saltar.",
		ProgressSummary:    "Verifique a atualização:\nTarefa: %s\nProgresso: %d%%\nNota: %s",
		ProgressSubmitted:  "O progresso de %s foi registado.",
		SubmissionFailed:   "Não consegui enviar agora. Responda \"sim\" para tentar de novo ou \"cancelar\" para parar.",
	},
}

var (
	cat     = catalog.NewBuilder(catalog.Fallback(language.English))
	tags    []language.Tag
	matcher language.Matcher
)

func init() {
	tags = []language.Tag{language.English}
	for lang := range messages {
		if lang != "en" {
			tags = append(tags, language.MustParse(lang))
		}
	}
	for lang, msgs := range messages {
		tag := language.MustParse(lang)
		for key, msg := range msgs {
			if err := cat.SetString(tag, key, msg); err != nil {
				panic("i18n: " + lang + "/" + key + ": " + err.Error())
			}
		}
	}
	matcher = language.NewMatcher(tags)
}

// Text renders key in lang. Unsupported languages use English.
func Text(lang, key string, args ...any) string {
	return message.NewPrinter(Tag(lang), message.Catalog(cat)).Sprintf(key, args...)
}

// Tag returns the catalog language closest to lang.
func Tag(lang string) language.Tag {
	t, err := language.Parse(lang)
	if err != nil {
		return language.English
	}
	_, idx, conf := matcher.Match(t)
	if conf == language.No {
		return language.English
	}
	return tags[idx]
}

// Lang returns the base code of the catalog language used for lang.
func Lang(lang string) string {
	base, _ := Tag(lang).Base()
	return base.String()
}
