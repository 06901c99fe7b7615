package main

import "TorMesh/internal/cli"

func main() {
	cli.Execute()
}
