package main

import (
	"errors"
	"fmt"
	"os"
)

// errItemsFailed signals that the run finished but some items ended
// failed_permanent. Mapped to exit code 1 without the generic error
// banner — the summary already told the user what happened.
var errItemsFailed = errors.New("some items failed to restore")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errItemsFailed) {
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
