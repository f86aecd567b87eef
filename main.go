package main

import (
	"fmt"
	"os"

	"github.com/shivanibhat24/docstore/cmd/docstore"
)

func main() {
	if err := docstore.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
