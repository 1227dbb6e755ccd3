package main

import "github.com/Rroix/Avenue-Guard-Real/cmd"

func main() {
	cmd.Execute()
}
