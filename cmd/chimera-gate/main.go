package main

import "github.com/chimera-gate/chimeragate/cmd/chimera-gate/cmd"

func main() {
	cmd.Execute()
}
