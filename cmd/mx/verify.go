package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	client "github.com/gwillem/matrix-go"
)

type verifyCommand struct {
	Accept string `long:"accept" value-name:"TXN" description:"Accept an incoming verification by transaction id instead of starting one"`
	Args   struct {
		User   string `positional-arg-name:"user" description:"User id of the device to verify"`
		Device string `positional-arg-name:"device" description:"Device id to verify"`
	} `positional-args:"true"`
}

func (cmd *verifyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if cmd.Accept == "" && (cmd.Args.User == "" || cmd.Args.Device == "") {
		return fmt.Errorf("user and device are required (or use --accept <txn>)")
	}

	updates := make(chan client.VerificationUpdate, 16)
	c, err := newClient(client.OnVerification(func(u client.VerificationUpdate) {
		updates <- u
	}))
	if err != nil {
		return err
	}
	defer c.Close()

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	defer func() { stop(); <-done }()

	if err := c.WaitSynced(ctx); err != nil {
		return err
	}

	txid := cmd.Accept
	if txid == "" {
		txid, err = c.StartVerification(ctx, cmd.Args.User, cmd.Args.Device)
		if err != nil {
			return err
		}
		fmt.Printf("Verification %s started, waiting for the other device...\n", txid)
	} else {
		if err := c.AcceptVerification(ctx, txid); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-updates:
			if u.TransactionID != txid {
				continue
			}
			switch u.State {
			case "keys-exchanged":
				if u.SAS == nil {
					continue
				}
				fmt.Printf("\nCompare with the other device:\n")
				fmt.Printf("  Numbers: %04d %04d %04d\n", u.SAS.Decimals[0], u.SAS.Decimals[1], u.SAS.Decimals[2])
				fmt.Printf("  Emoji:   %s\n\n", strings.Join(u.SAS.Emojis, " "))
				if !promptYes("Do they match? [y/N] ") {
					return c.CancelVerification(ctx, txid, "codes did not match")
				}
				if err := c.ConfirmSAS(ctx, txid); err != nil {
					return err
				}
				fmt.Println("Confirmed, waiting for the other device...")
			case "done":
				fmt.Printf("Device %s/%s verified\n", u.UserID, u.DeviceID)
				return nil
			case "cancelled":
				return fmt.Errorf("verification cancelled: %s", u.Reason)
			}
		}
	}
}

func promptYes(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
