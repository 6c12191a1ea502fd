package main

import "github.com/superturtle41/FrogBot/cmd"

func main() {
	cmd.Execute()
}
