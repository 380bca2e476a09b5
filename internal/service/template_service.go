// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/zalo-scheduler/internal/model"
)

// RenderTemplate fills {name}, {phone} and {uid} from the task's person snapshot.
func RenderTemplate(template string, p model.Person) string {
	return strings.NewReplacer(
		"{name}", p.Name,
		"{phone}", p.Phone,
		"{uid}", p.UID,
	).Replace(template)
}

// messageFor is the outbound text of a task, empty for actions that send none.
func messageFor(job *model.ScheduledJob, task *model.Task) string {
	if job.ActionType != model.ActionSendMessage {
		return ""
	}
	return RenderTemplate(job.Config.MessageTemplate, task.Person)
}
