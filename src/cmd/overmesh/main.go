package main

import (
	"github.com/meshworks/overmesh/src/cmd/overmesh/command"
)

func main() {
	command.Execute()
}
