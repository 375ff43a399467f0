package main

import "github.com/varkas/meshroom/internal/cli"

func main() {
	cli.Execute()
}
