package main

import (
	"os"

	"github.com/danielpatrickdp/al-controller/cmd/alctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
