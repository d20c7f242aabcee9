package main

import (
	"os"

	"github.com/antmicro/farshow/cli"
	"github.com/antmicro/farshow/internal"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		internal.Error("farshow failed", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}
}
