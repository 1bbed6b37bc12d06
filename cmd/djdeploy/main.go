package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kami/django-deployment-script/internal/cli"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	info := cli.BuildInfo{Version: buildVersion, Commit: buildCommit, Built: buildTime}
	code := cli.Execute(ctx, info, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
