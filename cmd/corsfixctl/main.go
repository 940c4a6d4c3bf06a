package main

import (
	"os"

	"github.com/corsfix/proxy/cmd/corsfixctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
