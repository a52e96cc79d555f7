// The main package for the apilink-crawler executable.
package main

import (
	"github.com/JakeFAU/apilink-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
