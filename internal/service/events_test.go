package service

import (
	"context"
	"testing"

	"ticketbridge/pkg/discord"

	"github.com/stretchr/testify/assert"
)

func TestEventRouter_RoutesEvents(t *testing.T) {
	h := newHarness(t)
	router := NewEventRouter(h.relay, h.commands, h.logger)
	channelID := mappedTicket(t, h, "E-1", 5)

	router.OnMessageCreate(context.Background(), staffMessage(channelID, "m1", "hello"))
	assert.Len(t, h.whmcs.replyRequests(), 1)

	router.OnInteractionCreate(context.Background(), command(channelID, CommandTicketInfo))
	assert.Equal(t, discord.CallbackChannelMessage, h.chat.lastResponse().Type)
}

func TestEventRouter_NilHandlersAreSkipped(t *testing.T) {
	router := NewEventRouter(nil, nil, quietLogger())

	assert.NotPanics(t, func() {
		router.OnMessageCreate(context.Background(), &discord.Message{})
		router.OnInteractionCreate(context.Background(), &discord.Interaction{})
	})
}

func TestEventRouter_RecoversPanics(t *testing.T) {
	h := newHarness(t)
	// A relay without an engine panics on any mapped message.
	broken := &Relay{store: h.store, logger: h.logger}
	router := NewEventRouter(broken, nil, h.logger)
	channelID := mappedTicket(t, h, "E-2", 6)

	assert.NotPanics(t, func() {
		router.OnMessageCreate(context.Background(), staffMessage(channelID, "m2", "hello"))
	})
}
