// Command regionstore hosts the region store behind a small CLI for
// manual exercise and demonstration.
package main

import "github.com/MeKo-Tech/regionstore/internal/cmd"

func main() {
	cmd.Execute()
}
