package main

import (
	"github.com/stepflow/stepflow/cli"
)

func main() {
	cli.Command()
}
