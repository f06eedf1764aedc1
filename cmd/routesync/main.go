// routesync pushes a route document to a routes service, chunking it when
// the compressed payload is large, and resumes an interrupted transfer
// once before giving up.
//
//	routesync --server http://localhost:8080 --file route.json [--id ID --update --if-match REV]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/Yulian302/lfusys-services-routes/client"
	"github.com/Yulian302/lfusys-services-routes/config"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/Yulian302/lfusys-services-routes/services"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "routesync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("routesync", pflag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "routes service base URL")
	file := fs.String("file", "", "route document (JSON)")
	documentID := fs.String("id", "", "document id, generated by the service when empty")
	update := fs.Bool("update", false, "replace an existing document")
	ifMatch := fs.Int64("if-match", 0, "only write if the stored revision matches")
	chunkSize := fs.Int("chunk-size", config.DefaultChunkSize, "chunk size in bytes")
	threshold := fs.Int("chunk-threshold", config.DefaultChunkThreshold, "chunk payloads above this many bytes")
	env := fs.String("env", "development", "log format: production logs JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	// sent as is so fields the service does not model survive the trip
	if !json.Valid(raw) {
		return fmt.Errorf("%s is not valid JSON", *file)
	}
	doc := json.RawMessage(raw)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := client.New(*server)
	if err != nil {
		return err
	}

	l := logger.NewSlogLogger(logger.CreateAppLogger(*env))
	o := services.NewOrchestrator(c, config.TransferConfig{
		ChunkSize:      *chunkSize,
		ChunkThreshold: *threshold,
	}, l, services.WithStateHook(func(s services.SyncState) {
		l.Debug("sync state", "state", s.String())
	}))

	res, err := o.Sync(ctx, services.SyncRequest{
		DocumentID:       *documentID,
		IsUpdate:         *update,
		ExpectedRevision: *ifMatch,
		Document:         doc,
	})
	var serr *services.SyncError
	if errors.As(err, &serr) && serr.Resumable() {
		l.Warn("transfer interrupted, resuming", "session_id", serr.SessionID, "missing", len(serr.Missing))
		res, err = o.Resume(ctx, serr)
	}
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(res)
}
