// Package main is the entry point of the zsxqcrawler executable.
package main

import "github.com/JakeFAU/zsxq-crawler/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
