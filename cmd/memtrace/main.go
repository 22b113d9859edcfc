package main

import (
	"os"

	"github.com/pb2bee/memtrace/cmd/memtrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
