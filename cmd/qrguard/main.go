package main

import (
	"github.com/QrLabs-cc/qrlabs-sub000/cmd/qrguard/commands"
)

func main() {
	commands.Execute()
}
