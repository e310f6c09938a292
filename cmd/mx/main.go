// Command mx is a CLI for end-to-end encrypted messaging.
//
// Usage:
//
//	mx send <room> <msg>       Send an encrypted text message
//	mx listen                  Print incoming messages
//	mx devices <user>          List known devices and their trust
//	mx verify <user> <device>  Interactively verify a device
//	mx qr                      Show this device's verification QR code
package main

import (
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/matrix-go"
)

type globalOpts struct {
	Homeserver string `long:"hs" env:"MX_HOMESERVER" description:"Homeserver base URL" required:"true"`
	User       string `short:"u" long:"user" env:"MX_USER" description:"Account user id (@alice:example.org)" required:"true"`
	Device     string `short:"d" long:"device" env:"MX_DEVICE" description:"Device id" required:"true"`
	Token      string `long:"token" env:"MX_TOKEN" description:"Access token" required:"true"`
	DB         string `long:"db" description:"Path to database file"`
	PushURL    string `long:"push" env:"MX_PUSH" description:"WebSocket push channel URL"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable verbose logging"`
	RequireVerification bool `long:"require-verification" description:"Only share room keys with verified devices"`

	Send    sendCommand    `command:"send" description:"Send an encrypted text message to a room"`
	Listen  listenCommand  `command:"listen" description:"Receive and print incoming messages"`
	Devices devicesCommand `command:"devices" description:"List known devices for a user"`
	Trust   trustCommand   `command:"trust" description:"Mark a device verified or revoked"`
	Verify  verifyCommand  `command:"verify" description:"Interactively verify a device (short authentication string)"`
	QR      qrCommand      `command:"qr" description:"Show this device's QR payload, or verify a scanned one"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// newClient builds the client from the global options plus any
// command-specific ones.
func newClient(extra ...client.Option) (*client.Client, error) {
	copts := extra
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.PushURL != "" {
		copts = append(copts, client.WithPushURL(opts.PushURL))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	if opts.RequireVerification {
		copts = append(copts, client.WithVerificationRequired())
	}
	return client.NewClient(opts.Homeserver, opts.User, opts.Device, opts.Token, copts...)
}
