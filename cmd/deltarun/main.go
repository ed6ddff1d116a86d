package main

import (
	"os"

	"github.com/bhandras/deltarun/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
