package agent

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/ShayCichocki/crew/pkg/models"
)

const systemTemplate = `You are {{.Name}}, an autonomous {{if .Type}}{{.Type}} {{end}}worker.
{{- if .Languages}}
Languages: {{join .Languages}}{{end}}
{{- if .Frameworks}}
Frameworks: {{join .Frameworks}}{{end}}
{{- if .Specializations}}
Specializations: {{join .Specializations}}{{end}}
{{- if .Tools}}
Tools: {{join .Tools}}{{end}}
{{- if .Hours}}
Working hours: {{.Hours.Start}}:00-{{.Hours.End}}:00{{end}}
Track record: {{.Perf.TasksCompleted}} tasks completed, {{pct .Perf.SuccessRate}} success rate, reliability {{printf "%.2f" .Perf.Reliability}}.

Put code in fenced blocks tagged with their language. End your answer with a
"Suggestions:" list and a "Next steps:" list, one bullet per line.
`

// taskTemplates are keyed by task kind; an unknown kind uses the code template.
var taskTemplates = map[models.TaskKind]string{
	models.TaskKindCode: `Implement the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Requirements: {{join .Requirements}}
{{end}}
Return complete, working code with brief notes on how it fits together.`,

	models.TaskKindDesign: `Produce a design for the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Constraints: {{join .Requirements}}
{{end}}
Cover components, data flow, interfaces, and the trade-offs you made.`,

	models.TaskKindTest: `Write tests for the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Stack: {{join .Requirements}}
{{end}}
Include edge cases and failure paths. Return runnable test code.`,

	models.TaskKindAnalysis: `Analyze the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Focus areas: {{join .Requirements}}
{{end}}
Identify risks, unknowns, and a recommended approach.`,

	models.TaskKindReview: `Review the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Check against: {{join .Requirements}}
{{end}}
List concrete issues ordered by severity, then state whether you approve.`,

	models.TaskKindDocumentation: `Write documentation for the following.

Task: {{.Title}}
{{with .Description}}
{{.}}
{{end}}{{if .Requirements}}
Audience and scope: {{join .Requirements}}
{{end}}
Use clear headings and include usage examples.`,
}

var funcs = template.FuncMap{
	"join": func(s []string) string { return strings.Join(s, ", ") },
	"pct":  func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}

var (
	systemTmpl = template.Must(template.New("system").Funcs(funcs).Parse(systemTemplate))
	taskTmpls  = func() map[models.TaskKind]*template.Template {
		out := make(map[models.TaskKind]*template.Template, len(taskTemplates))
		for kind, text := range taskTemplates {
			out[kind] = template.Must(template.New(string(kind)).Funcs(funcs).Parse(text))
		}
		return out
	}()
)

type systemData struct {
	models.WorkerConfig
	Hours *models.WorkingHours
	Perf  models.Performance
}

// buildSystemPrompt describes the worker's capabilities to the model.
func buildSystemPrompt(cfg models.WorkerConfig, perf models.Performance) (string, error) {
	data := systemData{WorkerConfig: cfg, Hours: cfg.WorkingHours, Perf: perf}
	if data.Name == "" {
		data.Name = cfg.ID
	}
	var buf bytes.Buffer
	if err := systemTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// buildTaskPrompt renders the template for the task's kind.
func buildTaskPrompt(task *models.Task) (string, error) {
	tmpl, ok := taskTmpls[task.Kind]
	if !ok {
		tmpl = taskTmpls[models.TaskKindCode]
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, task); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", task.Kind, err)
	}
	return buf.String(), nil
}
