// idpp - identification probability analysis for small molecule references
package main

import (
	"fmt"
	"os"

	"github.com/ChrisMcGann/idpp/cmd/idpp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
