// Package main starts the group order session service and handles
// termination.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	grouporder "github.com/louisbranch/grouporder/internal/cmd/grouporder"
	"github.com/louisbranch/grouporder/internal/platform/config"
	platformgrpc "github.com/louisbranch/grouporder/internal/platform/grpc"
	"github.com/louisbranch/grouporder/internal/services/grouporder/server"
)

var version = "dev"

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the local gRPC health endpoint and exit")
	cfg, err := grouporder.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[GROUPORDER] ")

	if *healthcheck {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := platformgrpc.WaitForServing(ctx, dialAddr(cfg.HealthAddr), server.HealthService, nil); err != nil {
			config.Exitf("healthcheck: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := grouporder.Run(ctx, cfg, version); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

// dialAddr turns a listen address such as ":8081" into a dialable one.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host != "" {
		return addr
	}
	return net.JoinHostPort("localhost", port)
}
