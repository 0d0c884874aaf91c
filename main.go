package main

import (
	"fmt"

	"github.com/nodebooks/kernel/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
