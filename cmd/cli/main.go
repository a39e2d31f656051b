package main

import (
	"github.com/mchmarny/sepeval/pkg/cli"
)

func main() {
	cli.Execute()
}
