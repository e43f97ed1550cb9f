package main

import (
	"github.com/adewale/keyboardia-sub006/cmd"
)

func main() {
	cmd.Execute()
}
