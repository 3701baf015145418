package main

import "github.com/zjrosen/testbridge/cmd"

func main() {
	cmd.Execute()
}
