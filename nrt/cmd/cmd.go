package cmd

import (
	"fmt"
	"os"
	"strings"

	"nostr-relay-tray/nrt/common/logx"
	"nostr-relay-tray/nrt/server"
)

var cmd = logx.New(logx.WithPrefix("cmd"))

const (
	defaultConfig = "./config/config.yaml"
)

func Run() {
	cfgPath := defaultConfig
	if p := strings.TrimSpace(os.Getenv("NRT_CONFIG")); p != "" {
		cfgPath = p
	}

	if len(os.Args) == 1 {
		must(server.Run(cfgPath))
		return
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		printHelp()

	case "serve":
		must(server.Run(cfgPath))

	case "newpass", "np":
		if len(os.Args) < 3 || strings.TrimSpace(os.Args[2]) == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Usage: nrt newpass <PASS>")
			os.Exit(2)
		}
		must(ResetAdmin(cfgPath, os.Args[2]))
		cmd.Infof("admin password updated.")

	case "key":
		must(ShowKey(cfgPath))

	case "newkey":
		must(RotateKey(cfgPath))

	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
}

func must(err error) {
	if err != nil {
		cmd.Errorf("%v", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`Usage:
  nrt                       # start the relay
  nrt serve                 # same as above
  nrt newpass <PASS>        # set the dashboard password
  nrt key                   # print the relay public key (npub)
  nrt newkey                # replace the relay signing key

Environment:
  NRT_CONFIG                # config path, default ./config/config.yaml`)
}
