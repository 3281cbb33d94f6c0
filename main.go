package main

import "github.com/tanq16/itchgrab/cmd"

func main() {
	cmd.Execute()
}
