package project

import "strings"

// Keyword heuristics that route user text toward the project machinery
// before spending an LLM call on intent classification.

var projectPhrases = []string{
	"let's build",
	"lets build",
	"start a project",
	"new project",
	"i want to build",
	"create a project",
	"kick off",
	"start building",
}

var ideaPhrases = []string{
	"idea:",
	"what if we",
	"what if i",
	"it would be cool",
	"it would be nice",
	"we should consider",
	"someday",
	"add to the backlog",
	"backlog this",
	"note this down",
}

var backlogPhrases = []string{
	"backlog",
	"what ideas",
	"list ideas",
	"show ideas",
	"my ideas",
	"pending ideas",
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// DetectProject reports whether the text asks to start a project.
func DetectProject(text string) bool {
	return containsAny(text, projectPhrases)
}

// DetectIdea reports whether the text pitches an idea for the backlog.
// Project requests win when both match.
func DetectIdea(text string) bool {
	return !DetectProject(text) && containsAny(text, ideaPhrases)
}

// DetectBacklogQuery reports whether the text asks about the backlog.
func DetectBacklogQuery(text string) bool {
	return containsAny(text, backlogPhrases)
}
