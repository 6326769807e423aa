package main

import "nostr-relay-tray/nrt/cmd"

func main() { cmd.Run() }
