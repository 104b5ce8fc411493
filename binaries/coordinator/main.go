package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/dataflow/coord/common/errors"
	"github.com/dataflow/coord/common/log/hooks"
	"github.com/dataflow/coord/scheduler/client"
)

func main() {
	log.AddHook(hooks.NewContextHook())
	log.SetLevel(log.InfoLevel)

	cl := client.NewSimpleCLIClient(nil)
	if err := cl.Exec(); err != nil {
		log.Error(err)
		os.Exit(int(errors.ExitCodeOf(err)))
	}
}
