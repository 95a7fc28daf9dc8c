package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tinyssb.dev/node/crypto"
	"tinyssb.dev/node/feed"
	"tinyssb.dev/node/node"
	"tinyssb.dev/node/store"
	"tinyssb.dev/node/version"
)

var dataDir string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tinyssb-node",
		Short:         "tinyssb update-mesh node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "datadir", ".", "data directory root")

	root.AddCommand(
		initCmd(),
		cleanCmd(),
		runCmd("r", "run the node", false),
		runCmd("w", "run the node with the HTTP listener", true),
		rerunCmd(),
		statusCmd(),
	)
	return root
}

func newLogger(level string) (*logrus.Entry, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetLevel(parsed)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logrus.NewEntry(logger), nil
}

// initCmd seeds a fresh producer: master feed, one generic child, the
// update feed and its version-control feed.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "i",
		Aliases: []string{"init"},
		Short:   "initialise a fresh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger("info")
			if err != nil {
				return err
			}
			prov := crypto.DefaultProvider()
			fm, err := node.NewFeedManager(dataDir, prov, log)
			if err != nil {
				return err
			}

			masterKey, masterFID, err := fm.Keys().Generate(prov)
			if err != nil {
				return err
			}
			master, err := fm.CreateFeed(masterFID, feed.CreateOptions{})
			if err != nil {
				return err
			}

			childKey, childFID, err := fm.Keys().Generate(prov)
			if err != nil {
				return err
			}
			if _, err := fm.CreateChildFeed(master, masterKey[:], childFID, childKey[:]); err != nil {
				return err
			}

			updateKey, updateFID, err := fm.Keys().Generate(prov)
			if err != nil {
				return err
			}
			updateFeed, err := fm.CreateChildFeed(master, masterKey[:], updateFID, updateKey[:])
			if err != nil {
				return err
			}

			vcKey, vcFID, err := fm.Keys().Generate(prov)
			if err != nil {
				return err
			}
			if _, err := fm.CreateChildFeed(updateFeed, updateKey[:], vcFID, vcKey[:]); err != nil {
				return err
			}

			if err := node.SaveMasterFID(dataDir, masterFID); err != nil {
				return err
			}
			fmt.Printf("master feed: %s\n", hex.EncodeToString(masterFID[:]))
			return nil
		},
	}
}

func cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "c",
		Aliases: []string{"clean"},
		Short:   "remove all protocol state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanDataDir(dataDir)
		},
	}
}

func cleanDataDir(dir string) error {
	for _, sub := range []string{"_feeds", "_blobs", "_store"} {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return err
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func runCmd(use, short string, withHTTP bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(withHTTP)
		},
	}
}

func rerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rr",
		Short: "clean, initialise and run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cleanDataDir(dataDir); err != nil {
				return err
			}
			if err := initCmd().RunE(cmd, nil); err != nil {
				return err
			}
			return runNode(false)
		},
	}
}

func runNode(withHTTP bool) error {
	settings, err := node.LoadSettings(dataDir)
	if err != nil {
		return err
	}
	log, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}

	prov := crypto.DefaultProvider()
	fm, err := node.NewFeedManager(dataDir, prov, log)
	if err != nil {
		return err
	}
	snaps, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer snaps.Close()

	vm, err := version.NewManager(fm, snaps, log)
	if err != nil {
		return err
	}

	transport, err := node.NewUDPTransport(settings.MulticastAddr)
	if err != nil {
		return err
	}
	defer transport.Close()

	metrics := node.NewMetrics()
	n, err := node.NewNode(fm, vm, settings, transport, log, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if withHTTP {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/feeds", func(w http.ResponseWriter, r *http.Request) {
			overview, err := fm.Overview()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintln(w, overview)
		})
		server := &http.Server{Addr: settings.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http listener failed")
			}
		}()
		defer server.Close()
		log.WithField("addr", settings.HTTPAddr).Info("http listener up")
	}

	log.WithField("group", settings.MulticastAddr).Info("node running")
	if err := n.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the local feed forest and version state",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger("warn")
			if err != nil {
				return err
			}
			fm, err := node.NewFeedManager(dataDir, crypto.DefaultProvider(), log)
			if err != nil {
				return err
			}
			overview, err := fm.Overview()
			if err != nil {
				return err
			}
			fmt.Println(overview)

			vm, err := version.NewManager(fm, nil, log)
			if err != nil {
				return err
			}
			if !vm.IsConfigured() {
				return nil
			}
			sorted := vm.TrackedFiles()
			sort.Strings(sorted)
			for _, name := range sorted {
				applied, _ := vm.AppliedVersion(name)
				fmt.Printf("\n%s (applied v%d)\n", name, applied)
				graph, err := vm.RenderFileGraph(name)
				if err != nil {
					fmt.Printf("  graph unavailable: %v\n", err)
					continue
				}
				fmt.Print(graph)
			}
			return nil
		},
	}
}
