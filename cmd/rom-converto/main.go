package main

import (
	"github.com/devyukine/rom-converto/internal/cli"
)

func main() {
	cli.Execute()
}
