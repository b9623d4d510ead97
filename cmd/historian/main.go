// cmd/historian/main.go is the entrypoint for the results historian
// sidecar.
package main

import (
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/historian"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	svc := historian.New(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		svc.Stop()
	}()

	if err := svc.Run(); err != nil {
		logger.Fatalf("historian exited: %v", err)
	}
}
