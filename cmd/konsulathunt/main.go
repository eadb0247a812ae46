package main

import "github.com/jharrington22/konsulathunt/cmd"

func main() {
	cmd.Execute()
}
