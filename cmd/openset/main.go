// Package main implements the openset server binary: an in-memory,
// partitioned, user-centric event database with a built-in scripting
// engine.
//
// The server exposes an HTTP API:
//
//	POST /v1/insert     - ingest person event rows
//	POST /v1/query      - run a behavioral query
//	POST /v1/segment    - run segment declarations (ttl/refresh)
//	POST /v1/column     - column value scan
//	POST /v1/histogram  - per-person macro histogram
//	GET  /v1/status     - node status
//	GET  /metrics       - Prometheus metrics
//
// Example usage:
//
//	openset --listen :8080 --partitions 32 --workers 8
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aargor/openset/internal/cluster"
	"github.com/aargor/openset/internal/server"
)

func main() {
	var (
		listen     string
		tableName  string
		partitions int
		workers    int
		nodeID     string
		sessionMin int
	)

	root := &cobra.Command{
		Use:   "openset",
		Short: "partitioned in-memory event database with a scripting engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

			engine := server.NewEngine(tableName, partitions, workers, cluster.NodeID(nodeID))
			engine.Table.SetSessionTime(int64(sessionMin) * 60 * 1000)
			srv := server.NewServer(engine, listen)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-stop
				log.Info("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.WithError(err).Warn("shutdown incomplete")
				}
			}()

			return srv.Start()
		},
	}

	root.Flags().StringVar(&listen, "listen", ":8080", "HTTP listen address")
	root.Flags().StringVar(&tableName, "table", "events", "event table name")
	root.Flags().IntVar(&partitions, "partitions", 32, "partition count (fixed for the cluster's lifetime)")
	root.Flags().IntVar(&workers, "workers", 0, "async workers (0 = one per hardware thread)")
	root.Flags().StringVar(&nodeID, "node", "node-1", "node id")
	root.Flags().IntVar(&sessionMin, "session-minutes", 30, "session gap in minutes")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
