package main

import (
	"context"
	"os"

	"TorMesh/internal/cli"
)

func main() {
	cmd := cli.NewHealthCmd()
	cmd.Use = "tormesh-health"
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
