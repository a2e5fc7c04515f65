package verification

import (
	"strings"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// Category groups the kinds of outcome an action produces.
type Category string

const (
	CategoryUI      Category = "ui"
	CategoryData    Category = "data"
	CategoryProcess Category = "process"
	CategoryNone    Category = "none"
)

// KeywordSet is a group of triggers that point at one verification method.
type KeywordSet struct {
	Category Category
	Method   models.VerifyMethod
	// Triggers are lowercase substrings matched against the action text.
	Triggers []string
}

// StandardKeywordSets drive the heuristic recommendation.
var StandardKeywordSets = []KeywordSet{
	{
		Category: CategoryUI,
		Method:   models.VerifyPerception,
		Triggers: []string{
			"open", "click", "window", "screen", "button", "display", "show",
			"browser", "tab", "navigate", "scroll", "type into", "dialog",
			"menu", "launch", "visible", "wallpaper",
		},
	},
	{
		Category: CategoryData,
		Method:   models.VerifyDataProbe,
		Triggers: []string{
			"file", "folder", "directory", "write", "save", "create", "delete",
			"rename", "copy", "move", "download", "csv", "json", "database",
			"record", "row",
		},
	},
	{
		Category: CategoryProcess,
		Method:   models.VerifyDataProbe,
		Triggers: []string{
			"install", "process", "service", "running", "start the", "stop the",
			"kill", "restart", "port", "package", "command", "script",
		},
	},
}

// Recommendation is the heuristic verdict on how to verify an item.
type Recommendation struct {
	Method   models.VerifyMethod
	Category Category
	// Confidence is the share of matched triggers that belong to Category, 0-1.
	Confidence float64
	// Matched is the first trigger that matched in Category.
	Matched string
}

// Heuristic scores action text against keyword sets.
type Heuristic struct {
	sets []KeywordSet
}

// NewHeuristic creates a heuristic over StandardKeywordSets.
func NewHeuristic() *Heuristic {
	return &Heuristic{sets: StandardKeywordSets}
}

// NewHeuristicWithSets creates a heuristic over custom sets.
func NewHeuristicWithSets(sets []KeywordSet) *Heuristic {
	return &Heuristic{sets: sets}
}

// Recommend picks the category with the most trigger hits. Ties go to the
// earlier set. Without any hit the perception method is recommended with
// zero confidence.
func (h *Heuristic) Recommend(action string) Recommendation {
	text := strings.ToLower(action)

	best := Recommendation{Method: models.VerifyPerception, Category: CategoryNone}
	bestHits, total := 0, 0
	for _, set := range h.sets {
		hits, first := 0, ""
		for _, trigger := range set.Triggers {
			if strings.Contains(text, strings.ToLower(trigger)) {
				if first == "" {
					first = trigger
				}
				hits++
			}
		}
		total += hits
		if hits > bestHits {
			bestHits = hits
			best = Recommendation{Method: set.Method, Category: set.Category, Matched: first}
		}
	}
	if total > 0 {
		best.Confidence = float64(bestHits) / float64(total)
	}
	return best
}
