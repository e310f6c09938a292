package main

import (
	"fmt"

	client "github.com/gwillem/matrix-go"
)

type devicesCommand struct {
	Args struct {
		User string `positional-arg-name:"user" description:"User id (defaults to own account)"`
	} `positional-args:"true"`
}

func (cmd *devicesCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	user := cmd.Args.User
	if user == "" {
		user = c.UserID()
	}

	devices, err := c.Devices(user)
	if err != nil {
		return err
	}
	fmt.Printf("Known devices for %s (%d):\n", user, len(devices))
	for _, d := range devices {
		marker := " "
		if d.DeviceID == c.DeviceID() && user == c.UserID() {
			marker = "*"
		}
		fmt.Printf("%s %s  trust=%s  curve25519=%s\n", marker, d.DeviceID, d.Trust, d.CurveKey)
	}
	return nil
}

type trustCommand struct {
	Revoke bool `long:"revoke" description:"Revoke the device instead of verifying it"`
	Args   struct {
		User   string `positional-arg-name:"user" required:"true" description:"User id"`
		Device string `positional-arg-name:"device" required:"true" description:"Device id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *trustCommand) Execute(args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	trust := clientTrust(cmd.Revoke)
	if err := c.SetTrust(cmd.Args.User, cmd.Args.Device, trust); err != nil {
		return err
	}
	fmt.Printf("Device %s/%s marked %s\n", cmd.Args.User, cmd.Args.Device, trust)
	return nil
}

func clientTrust(revoke bool) client.TrustLevel {
	if revoke {
		return client.TrustRevoked
	}
	return client.TrustVerified
}
