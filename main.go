package main

import "bulksync/internal/cli"

func main() {
	cli.Execute()
}
