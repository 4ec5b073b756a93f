package main

import (
	"github.com/luma/herald/cmd"
)

func main() {
	cmd.Execute()
}
