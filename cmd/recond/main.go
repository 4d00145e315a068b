package main

import "github.com/settleline/recond/internal/cli"

func main() {
	cli.Execute()
}
