package main

import "github.com/openpaw/openpaw/cmd"

func main() {
	cmd.Execute()
}
