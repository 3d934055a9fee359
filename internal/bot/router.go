package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// StageResult tells the router whether a stage consumed the message.
type StageResult int

const (
	// StageContinue: the stage declined the message; try the next one.
	StageContinue StageResult = iota
	// StageHandled: the stage consumed the message; stop routing.
	StageHandled
)

// Stage is one step of the inbound pipeline. Stages run in registration
// order and the first StageHandled wins.
type Stage struct {
	Name   string
	Handle func(ctx context.Context, msg InboundMessage) StageResult
}

// Router dispatches inbound messages through an ordered stage pipeline.
type Router struct {
	stages []Stage
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Stages []Stage
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if len(opts.Stages) == 0 {
		return nil, fmt.Errorf("bot: router: at least one stage is required")
	}
	for _, s := range opts.Stages {
		if s.Name == "" || s.Handle == nil {
			return nil, fmt.Errorf("bot: router: stage with empty name or nil handler")
		}
	}
	return &Router{stages: opts.Stages}, nil
}

// Handle routes one inbound message. Messages nobody claims fall through
// silently; that is normal in group chats.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	log.Printf("bot: recv platform=%s chat=%s user=%s len=%d",
		msg.Platform, msg.ChatID, msg.UserID, len(msg.Text))
	for _, stage := range r.stages {
		if stage.Handle(ctx, msg) == StageHandled {
			log.Printf("bot: route stage=%s chat=%s user=%s", stage.Name, msg.ChatID, msg.UserID)
			return
		}
	}
}

// SelfFilterStage drops messages authored by the bot itself so it never
// reacts to its own output.
func SelfFilterStage(self Identity) Stage {
	return Stage{
		Name: "self-filter",
		Handle: func(ctx context.Context, msg InboundMessage) StageResult {
			if self.UserID != "" && msg.UserID == self.UserID {
				return StageHandled
			}
			return StageContinue
		},
	}
}

// CommandStage claims every slash command. Unknown commands are consumed
// silently rather than falling through to the agent.
func CommandStage(cmds *CommandHandler) Stage {
	return Stage{
		Name: "commands",
		Handle: func(ctx context.Context, msg InboundMessage) StageResult {
			if !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
				return StageContinue
			}
			cmds.Handle(ctx, msg)
			return StageHandled
		},
	}
}

// AgentStage is the conversational catch-all. It claims everything the
// agent does not explicitly ignore.
func AgentStage(agent *Agent) Stage {
	return Stage{
		Name: "agent",
		Handle: func(ctx context.Context, msg InboundMessage) StageResult {
			if agent.Handle(ctx, msg) == Ignored {
				return StageContinue
			}
			return StageHandled
		},
	}
}
