package main

import "github.com/fileforge/fileforge/cmd/ffd/cmd"

func main() {
	cmd.Execute()
}
