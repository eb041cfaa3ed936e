package main

import (
	"os"

	"github.com/gwicho38/lsh/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
