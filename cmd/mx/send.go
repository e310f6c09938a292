package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type sendCommand struct {
	Rekey bool `long:"rekey" description:"Rotate the room's group session before sending"`
	Args  struct {
		Room    string `positional-arg-name:"room" required:"true" description:"Room id (!room:example.org)"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	defer func() { stop(); <-done }()

	// Room membership and device lists must be current before the key
	// distribution picks recipients.
	if err := c.WaitSynced(ctx); err != nil {
		return err
	}
	if cmd.Rekey {
		c.Rekey(cmd.Args.Room)
	}

	eventID, err := c.Send(ctx, cmd.Args.Room, cmd.Args.Message)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %s to %s\n", eventID, cmd.Args.Room)
	return nil
}
