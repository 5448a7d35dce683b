// Command fp is the FieldProof capture companion: local-first storage for
// QC photo batches with durable background synchronization.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
