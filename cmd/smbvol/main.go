package main

import (
	"github.com/macvmio/smbvol/cmd/smbvol/cmd"
)

func main() {
	cmd.Execute(cmd.InitializeCommands())
}
