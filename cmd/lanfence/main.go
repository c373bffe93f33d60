package main

import (
	"fmt"
	"os"

	"github.com/lanfence/lanfence/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "lanfence: %v\n", err)
		os.Exit(1)
	}
}
