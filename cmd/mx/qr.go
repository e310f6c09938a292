package main

import (
	"fmt"
	"os"

	qrterminal "github.com/mdp/qrterminal/v3"
)

type qrCommand struct {
	Scan string `long:"scan" value-name:"PAYLOAD" description:"Verify a payload scanned from another device's QR code"`
}

func (cmd *qrCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Scan != "" {
		if err := c.VerifyScannedQR(cmd.Scan); err != nil {
			return err
		}
		fmt.Println("Device verified")
		return nil
	}

	fmt.Println("Scan this QR code with the device you want to verify from:")
	fmt.Println()
	qrterminal.GenerateWithConfig(c.QRPayload(), qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
	})
	fmt.Println()
	fmt.Printf("Payload: %s\n", c.QRPayload())
	return nil
}
