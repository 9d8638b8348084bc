package main

import "taskrelay/cmd/taskrelay/commands"

func main() {
	commands.Execute()
}
