package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/buildqueue/cmd/buildqueue/cmd"
	"github.com/G-Research/buildqueue/internal/common"
	"github.com/G-Research/buildqueue/internal/common/logging"
)

func main() {
	if err := common.ConfigureLogging(logging.DefaultConfig); err != nil {
		log.Error(err)
	}
	if err := cmd.RootCmd().Execute(); err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("buildqueue failed")
		os.Exit(1)
	}
}
