package main

import (
	"os"

	"github.com/catface996/aiops-executor/internal/cli"
	"github.com/catface996/aiops-executor/internal/log"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.GetLogger().Error(err)
		os.Exit(1)
	}
}
