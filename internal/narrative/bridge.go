// Package narrative escalates accepted commands into narrative events.
package narrative

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"glass-frontier/hub/internal/clock"
	"glass-frontier/hub/internal/command"
	"glass-frontier/hub/internal/id"
)

const defaultNarration = `{{.ActorID}} uses {{.Label}}.`

// Event is the narrative beat produced for a command.
type Event struct {
	ID        string    `json:"id"`
	VerbID    string    `json:"verbId"`
	ActorID   string    `json:"actorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// CheckRequest asks the client to roll or confirm before the story continues.
type CheckRequest struct {
	ID      string `json:"id"`
	VerbID  string `json:"verbId"`
	ActorID string `json:"actorId"`
	Prompt  string `json:"prompt"`
}

// Safety reports moderation signals raised by the command.
type Safety struct {
	Flags          []string `json:"flags,omitempty"`
	RequiresReview bool     `json:"requiresReview"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Result is what escalation hands back to the originating connection.
type Result struct {
	NarrativeEvent *Event        `json:"narrativeEvent,omitempty"`
	CheckRequest   *CheckRequest `json:"checkRequest,omitempty"`
	Safety         *Safety       `json:"safety,omitempty"`
}

// Bridge turns commands into narrative results.
type Bridge interface {
	Escalate(ctx context.Context, cmd command.Command) (Result, error)
}

// BridgeFunc adapts a function into a Bridge.
type BridgeFunc func(ctx context.Context, cmd command.Command) (Result, error)

// Escalate implements Bridge.
func (f BridgeFunc) Escalate(ctx context.Context, cmd command.Command) (Result, error) {
	return f(ctx, cmd)
}

// TemplateConfig configures the template bridge.
type TemplateConfig struct {
	Clock clock.Clock
	NewID id.Generator
	// ReviewTags are safety flags that require moderator review.
	ReviewTags []string
}

// TemplateBridge renders the verb's narration and check templates.
type TemplateBridge struct {
	clock      clock.Clock
	newID      id.Generator
	reviewTags map[string]struct{}

	mu        sync.Mutex
	templates map[string]*template.Template
}

// NewTemplateBridge constructs a template bridge.
func NewTemplateBridge(cfg TemplateConfig) *TemplateBridge {
	review := make(map[string]struct{}, len(cfg.ReviewTags))
	for _, tag := range cfg.ReviewTags {
		if tag = strings.TrimSpace(tag); tag != "" {
			review[tag] = struct{}{}
		}
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return id.Prefixed("narr") }
	}
	return &TemplateBridge{
		clock:      clock.OrSystem(cfg.Clock),
		newID:      newID,
		reviewTags: review,
		templates:  make(map[string]*template.Template),
	}
}

type templateData struct {
	ActorID     string
	CharacterID string
	HubID       string
	RoomID      string
	VerbID      string
	Label       string
	Args        map[string]any
}

// Escalate renders the narration, an optional check prompt and the safety
// summary for cmd.
func (b *TemplateBridge) Escalate(ctx context.Context, cmd command.Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	label := cmd.Verb.Label
	if label == "" {
		label = cmd.VerbID
	}
	data := templateData{
		ActorID:     cmd.ActorID,
		CharacterID: cmd.Metadata.CharacterID,
		HubID:       cmd.HubID,
		RoomID:      cmd.RoomID,
		VerbID:      cmd.VerbID,
		Label:       label,
		Args:        cmd.Args,
	}

	narration := cmd.Verb.Narrative.NarrationTemplate
	if narration == "" {
		narration = defaultNarration
	}
	text, err := b.render(narration, data)
	if err != nil {
		return Result{}, fmt.Errorf("narrative: verb %s narration: %w", cmd.VerbID, err)
	}

	result := Result{
		NarrativeEvent: &Event{
			ID:        b.newID.Next(),
			VerbID:    cmd.VerbID,
			ActorID:   cmd.ActorID,
			Text:      text,
			CreatedAt: b.clock.Now().UTC(),
		},
	}

	if check := cmd.Verb.Narrative.CheckTemplate; check != "" {
		prompt, err := b.render(check, data)
		if err != nil {
			return Result{}, fmt.Errorf("narrative: verb %s check: %w", cmd.VerbID, err)
		}
		result.CheckRequest = &CheckRequest{
			ID:      b.newID.Next(),
			VerbID:  cmd.VerbID,
			ActorID: cmd.ActorID,
			Prompt:  prompt,
		}
	}

	if flags := cmd.Metadata.SafetyFlags; len(flags) > 0 {
		safety := &Safety{Flags: append([]string(nil), flags...)}
		for _, flag := range flags {
			if _, ok := b.reviewTags[flag]; ok {
				safety.Reasons = append(safety.Reasons, flag)
			}
		}
		safety.RequiresReview = len(safety.Reasons) > 0
		result.Safety = safety
	}
	return result, nil
}

func (b *TemplateBridge) render(text string, data templateData) (string, error) {
	tmpl, err := b.compile(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (b *TemplateBridge) compile(text string) (*template.Template, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tmpl, ok := b.templates[text]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New("narrative").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, err
	}
	b.templates[text] = tmpl
	return tmpl, nil
}
