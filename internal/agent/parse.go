package agent

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	fencePattern  = regexp.MustCompile("(?s)```([A-Za-z0-9_+#.-]*)[ \\t]*\\r?\\n(.*?)```")
	labelPattern  = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:\*\*)?\s*(suggestions?|recommendations?|next\s+steps?)\s*(?:\*\*)?\s*:?\s*(?:\*\*)?\s*$`)
	bulletPattern = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+?)\s*$`)
)

// Parsed is the structured view of a model response.
type Parsed struct {
	Artifacts   []models.Artifact
	Suggestions []string
	NextSteps   []string
}

// ParseResponse extracts fenced code blocks and the bullet lists that follow
// "Suggestions" and "Next steps" labels. It is best-effort text mining: lists
// without a recognizable label are not found.
func ParseResponse(content string) Parsed {
	var p Parsed

	for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
		body := strings.TrimRight(m[2], "\r\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		p.Artifacts = append(p.Artifacts, models.Artifact{Language: strings.ToLower(m[1]), Content: body})
	}

	// Lists inside code blocks are not prose.
	prose := fencePattern.ReplaceAllString(content, "")

	var current *[]string
	for _, line := range strings.Split(prose, "\n") {
		if m := labelPattern.FindStringSubmatch(line); m != nil {
			label := strings.ToLower(m[1])
			if strings.HasPrefix(label, "next") {
				current = &p.NextSteps
			} else {
				current = &p.Suggestions
			}
			continue
		}
		if current == nil {
			continue
		}
		if m := bulletPattern.FindStringSubmatch(line); m != nil {
			*current = append(*current, m[1])
			continue
		}
		if strings.TrimSpace(line) == "" && len(*current) == 0 {
			continue
		}
		current = nil
	}

	return p
}
