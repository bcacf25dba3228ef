package main

import (
	"os"

	"github.com/transcodefarm/farmd/cmd/farmd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
