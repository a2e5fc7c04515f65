package planner

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/conductor/internal/gateway"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/oracle"
)

// IntentKind separates conversation from work.
type IntentKind string

const (
	IntentChat IntentKind = "chat"
	IntentTask IntentKind = "task"
)

// Intent is the classification of a request.
type Intent struct {
	Kind IntentKind
	// Reply is the direct answer for chat requests.
	Reply string
	// Language is the user's language, used for display text.
	Language string
}

// ClassifySchema is the intent response shape.
var ClassifySchema = oracle.Schema{
	Name: "intent_classification",
	Fields: []oracle.Field{
		{Name: "kind", Type: oracle.TypeString, Required: true, Enum: []string{string(IntentChat), string(IntentTask)}},
		{Name: "reply", Type: oracle.TypeString, Description: "direct answer, only for chat"},
		{Name: "language", Type: oracle.TypeString, Description: "language of the request, e.g. en, zh, de"},
	},
}

// Classifier decides whether a request is chat or a task.
type Classifier struct {
	oracle oracle.Oracle
	logger logging.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(o oracle.Oracle, logger logging.Logger) *Classifier {
	return &Classifier{oracle: o, logger: logging.OrNop(logger)}
}

// Classify classifies request.
func (c *Classifier) Classify(ctx context.Context, request string) (*Intent, error) {
	res, err := c.oracle.Score(ctx, oracle.Request{
		Purpose:     oracle.PurposeClassify,
		Class:       gateway.ClassPlanning,
		System:      classifySystem,
		Prompt:      "User request:\n" + request,
		Schema:      ClassifySchema,
		ModelHint:   oracle.ModelFast,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("classify intent: %w", err)
	}

	intent := &Intent{
		Kind:     IntentKind(res.String("kind")),
		Reply:    res.String("reply"),
		Language: res.String("language"),
	}
	if intent.Language == "" {
		intent.Language = "en"
	}
	c.logger.Log("classified request as %s (%s)", intent.Kind, intent.Language)
	return intent, nil
}
