package main

import "covermarket/internal/cli"

func main() {
	cli.Execute()
}
