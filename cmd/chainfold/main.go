package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainfold/chainfold/pkg/config"
	"github.com/chainfold/chainfold/pkg/core/blockhistory"
	"github.com/chainfold/chainfold/pkg/core/types"
	"github.com/chainfold/chainfold/pkg/ledger"
	"github.com/chainfold/chainfold/pkg/rpc"
)

func main() {
	// Subcommands
	tailCmd := flag.NewFlagSet("tail", flag.ExitOnError)
	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)

	// Tail flags
	tailRPC := tailCmd.String("rpc", "http://localhost:8545", "Ledger JSON-RPC endpoint")
	tailDepth := tailCmd.Uint64("depth", 0, "Blocks below tip to trail")
	tailPoll := tailCmd.Duration("poll", config.Default().PollInterval, "Poll interval")
	tailSafety := tailCmd.Uint64("safety", config.Default().SafetyDepth, "Safety depth")
	tailListen := tailCmd.String("listen", ":8080", "Status server listen address")
	tailArchive := tailCmd.String("archive", "", "Header archive directory (empty disables)")
	tailDebug := tailCmd.Bool("debug", false, "Debug logging")

	// Status flags
	statusURL := statusCmd.String("url", "http://localhost:8080", "Follower status server URL")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "tail":
		tailCmd.Parse(os.Args[2:])
		runTail(*tailRPC, *tailDepth, *tailPoll, *tailSafety, *tailListen, *tailArchive, *tailDebug)
	case "status":
		statusCmd.Parse(os.Args[2:])
		runStatus(*statusURL)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chainfold <command> [flags]")
	fmt.Println("Commands:")
	fmt.Println("  tail    Follow a chain and print its block stream")
	fmt.Println("  status  Query a running follower")
}

func runTail(url string, depth uint64, poll time.Duration, safety uint64, listen, archivePath string, debug bool) {
	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, err := ledger.Dial(ctx, url, 0)
	if err != nil {
		log.WithError(err).Fatal("dial failed")
	}

	var wrapped ledger.Reader = ledger.NewCachingReader(
		ledger.NewRetryingReader(reader, ledger.DefaultRetryPolicy()), 0)

	cfg := blockhistory.Config{
		PollInterval: poll,
		SafetyDepth:  safety,
		Logger:       log,
	}
	if archivePath != "" {
		archive, err := blockhistory.OpenArchive(archivePath)
		if err != nil {
			log.WithError(err).Fatal("archive open failed")
		}
		defer archive.Close()
		cfg.Archive = archive
	}

	hub, err := blockhistory.Start(ctx, wrapped, nil, cfg)
	if err != nil {
		log.WithError(err).Fatal("follower start failed")
	}
	defer hub.Stop()

	server := rpc.NewServer(hub.Store(), hub)
	go func() {
		if err := server.Start(listen); err != nil {
			log.WithError(err).Error("status server stopped")
		}
	}()

	sub, err := hub.SubscribeNewBlocksAtDepth(depth)
	if err != nil {
		log.WithError(err).Fatal("subscribe failed")
	}
	defer sub.Unsubscribe()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			return
		case item, ok := <-sub.Items():
			if !ok {
				if err := sub.Err(); err != nil {
					log.WithError(err).Fatal("stream closed")
				}
				return
			}
			printItem(log, item)
		}
	}
}

func printItem(log *logrus.Logger, item types.StreamItem) {
	switch item.Kind {
	case types.ItemNewBlock:
		log.WithFields(logrus.Fields{
			"height": item.Block.Number,
			"hash":   item.Block.Hash.Hex(),
		}).Info("new block")
	case types.ItemReorg:
		log.WithFields(logrus.Fields{
			"depth": len(item.Rolled),
			"from":  item.Rolled[0].Number,
		}).Warn("reorg")
	}
}

func runStatus(url string) {
	resp, err := http.Get(url + "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}
