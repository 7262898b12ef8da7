package agentkanban

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/madhatter5501/agent-kanban/kanban"
)

var titleCaser = cases.Title(language.English)

// BuildPrompt renders the instruction prompt handed to an agent process for
// one claimed ticket.
func BuildPrompt(ticket *kanban.Ticket, tasks []kanban.TaskItem, comments []kanban.Comment) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s Priority Ticket: %s\n\n", titleCaser.String(string(ticket.Priority)), ticket.Title)

	if len(ticket.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n\n", strings.Join(ticket.Labels, ", "))
	}

	if desc := strings.TrimSpace(ticket.DescriptionMD); desc != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(desc)
		b.WriteString("\n\n")
	}

	if pending := pendingTasks(tasks); len(pending) > 0 {
		b.WriteString("## Tasks\n\n")
		for _, task := range pending {
			fmt.Fprintf(&b, "- [%s] %s", titleCaser.String(taskKindLabel(task.Kind)), task.Title)
			if body := strings.TrimSpace(task.BodyMD); body != "" {
				fmt.Fprintf(&b, "\n  %s", body)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(comments) > 0 {
		b.WriteString("## Discussion\n\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "**%s**: %s\n\n", titleCaser.String(string(c.Author)), strings.TrimSpace(c.BodyMD))
		}
	}

	b.WriteString(`## Instructions

Work on this ticket in the repository you were started in. When you are
done, print a short markdown summary of what you changed and why. Do not
commit to protected branches. If you are blocked on missing information,
say so explicitly in your summary instead of guessing.
`)
	return b.String()
}

func pendingTasks(tasks []kanban.TaskItem) []kanban.TaskItem {
	var out []kanban.TaskItem
	for _, t := range tasks {
		if t.Status == kanban.TaskPending || t.Status == kanban.TaskRunning {
			out = append(out, t)
		}
	}
	return out
}

func taskKindLabel(kind kanban.TaskKind) string {
	return strings.ReplaceAll(string(kind), "-", " ")
}
