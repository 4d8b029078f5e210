// Command hdtn-core is the thin wiring entrypoint for the router:
// load configuration, construct the dataplane components, and run
// them until signalled. All decision logic lives in the core packages
// (ingress, custody, storage, ltp, tcpcl); this package only connects
// them and defers the real work to those packages.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
