package main

import (
	"os"

	"TileServer/bootstrap"
)

func main() {
	os.Exit(bootstrap.Run(os.Args[1:], os.Stdout, os.Stderr))
}
