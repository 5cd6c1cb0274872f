package main

import (
	"os"

	"github.com/arloliu/go-uaclient/cmd/uaclient/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
