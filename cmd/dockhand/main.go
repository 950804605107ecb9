package main

import "github.com/dockhand-io/dockhand/cmd/dockhand/cmd"

func main() {
	cmd.Execute()
}
