package main

import (
	"os"

	"github.com/skypro1111/meeting-transcriber/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		cli.NewFormatter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
