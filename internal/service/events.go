package service

import (
	"context"
	"fmt"

	"ticketbridge/pkg/discord"

	"github.com/sirupsen/logrus"
)

// EventRouter implements discord.EventHandler, sending messages to the
// relay and interactions to the command handler. A nil relay disables
// chat-to-ticket relaying.
type EventRouter struct {
	relay    *Relay
	commands *CommandHandler
	logger   *logrus.Logger
}

var _ discord.EventHandler = (*EventRouter)(nil)

func NewEventRouter(relay *Relay, commands *CommandHandler, logger *logrus.Logger) *EventRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventRouter{relay: relay, commands: commands, logger: logger}
}

func (e *EventRouter) OnMessageCreate(ctx context.Context, msg *discord.Message) {
	if e.relay == nil {
		return
	}
	defer e.recoverPanic("message_create")
	e.relay.OnMessageCreate(ctx, msg)
}

func (e *EventRouter) OnInteractionCreate(ctx context.Context, in *discord.Interaction) {
	if e.commands == nil {
		return
	}
	defer e.recoverPanic("interaction_create")
	e.commands.HandleInteraction(ctx, in)
}

func (e *EventRouter) recoverPanic(event string) {
	if r := recover(); r != nil {
		e.logger.WithFields(logrus.Fields{
			"event": event,
			"panic": fmt.Sprint(r),
		}).Error("Recovered from panic in event handler")
	}
}
