package main

import "github.com/comigor/chatstream/internal/cli"

func main() {
	cli.Execute()
}
