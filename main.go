// The main package for the seoanalyzer executable.
package main

import (
	"github.com/Lewis-walter7/seoanalyzer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
