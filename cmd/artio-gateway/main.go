// Command artio-gateway is the composition root for the Artio FIX gateway
// (spec §A.4): it wires the Clock, durable SequenceNumberIndex, Archive,
// Replayer, and Engine together, then blocks on a signal for graceful
// shutdown. Root-command structure follows
// marmos91-dittofs/cmd/dittofs/main.go: main just calls into the
// commands package and maps a returned error to exit code 1.
package main

import (
	"fmt"
	"os"

	"artio/cmd/artio-gateway/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
