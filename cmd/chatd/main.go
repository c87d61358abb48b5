package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/worldchat/internal/daemon"
	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/matheus3301/worldchat/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	metrics.Register()
	gin.SetMode(gin.ReleaseMode)

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Debug: *debugFlag}),
	)

	app.Run()
}
