// Command dispatchd runs and operates the background job system: worker
// processes, the admin HTTP server, and one-shot operator commands.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
