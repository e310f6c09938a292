package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	client "github.com/gwillem/matrix-go"
)

type listenCommand struct {
	N int `short:"n" description:"Maximum number of messages to receive (0 = unlimited)" default:"0"`
}

func (cmd *listenCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	count := 0
	c, err := newClient(
		client.OnMessage(func(msg client.Message) {
			ts := msg.Timestamp.Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s %s: %s\n", ts, msg.RoomID, msg.Sender, msg.TextBody())
			count++
			if cmd.N > 0 && count >= cmd.N {
				cancel()
			}
		}),
		client.OnVerification(func(u client.VerificationUpdate) {
			fmt.Printf("verification %s from %s/%s: %s\n", u.TransactionID, u.UserID, u.DeviceID, u.State)
		}),
		client.OnDecryptionFailure(func(f client.DecryptionFailure) {
			fmt.Fprintf(os.Stderr, "undecryptable event in %s (session %s): %s\n", f.RoomID, f.SessionID, f.Reason)
		}),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Println("Listening for messages... (Ctrl+C to stop)")
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
