/* SPDX-License-Identifier: BSD-2-Clause */

// Command mediacached is a thin CLI shell around the manager package: start
// runs the loopback server in the foreground; list/remove/clear-all/
// promote-now are maintenance utilities that operate directly on a storage
// directory's on-disk state, so they work whether or not a server is
// currently running against it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/felixge/fgprof"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bilbilaki/down-stream/internal/logutil"
	"github.com/bilbilaki/down-stream/internal/resourceid"
	"github.com/bilbilaki/down-stream/manager"
	"github.com/bilbilaki/down-stream/metastore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "mediacached",
	Short:         "Local caching range proxy for large media resources",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("storage-dir", defaultStorageDir(), "directory holding <id>.video/<id>.meta pairs")
	flags.String("collections-dir", "", "directory completed downloads are promoted into (defaults to <storage-dir>/../collections)")
	flags.Int("port", 8080, "loopback port the stream server binds")
	flags.String("user-agent", "", "User-Agent header sent to origins")
	flags.String("proxy", "", "forward proxy URL (http:// or socks5://)")
	flags.String("log-level", "info", "debug, info, warn, or error")
	flags.Bool("debug-pprof", false, "serve net/http/pprof and fgprof on a separate debug port")
	flags.Int("debug-port", 6060, "port for --debug-pprof")
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.mediacached.yaml)")

	for _, name := range []string{"storage-dir", "collections-dir", "port", "user-agent", "proxy", "log-level", "debug-pprof", "debug-port"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(startCmd, listCmd, removeCmd, clearAllCmd, promoteNowCmd)
}

func defaultStorageDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "mediacached")
	}
	return "./mediacached-storage"
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".mediacached")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("MEDIACACHED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the loopback stream server in the foreground",
	RunE:  runStart,
}

func runStart(_ *cobra.Command, _ []string) error {
	log := logutil.New(viper.GetString("log-level"))

	if viper.GetBool("debug-pprof") {
		go serveDebugMux(log, viper.GetInt("debug-port"))
	}

	h, err := manager.Init(manager.Config{
		Port:           viper.GetInt("port"),
		StorageDir:     viper.GetString("storage-dir"),
		CollectionsDir: viper.GetString("collections-dir"),
		UserAgent:      viper.GetString("user-agent"),
		ProxyURL:       viper.GetString("proxy"),
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := h.ResumeAll(ctx); err != nil {
		log.Warn("resume_all finished with errors", "err", err)
	}
	cancel()

	log.Info("mediacached listening", "port", viper.GetInt("port"), "storage_dir", viper.GetString("storage-dir"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return h.Dispose()
}

// serveDebugMux exposes net/http/pprof and fgprof's wall-clock profiler on
// a separate port, grounded on meigma-blobber's cmd/profile profiling
// entrypoint and that project's felixge/fgprof dependency.
func serveDebugMux(log *slog.Logger, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/fgprof", fgprof.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Info("debug mux listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("debug mux stopped", "err", err)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every resource tracked in storage-dir",
	RunE:  runList,
}

func runList(_ *cobra.Command, _ []string) error {
	storageDir := viper.GetString("storage-dir")
	entries, err := os.ReadDir(storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tPROGRESS\tSTATE\tORIGIN")
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".video") {
			continue
		}
		id := strings.TrimSuffix(name, ".video")

		if !metastore.Exists(storageDir, id) {
			fmt.Fprintf(tw, "%s\t-\t100%%\tpromoted/complete\t-\n", id)
			continue
		}
		rec, err := metastore.Load(storageDir, id)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\tcorrupt (%v)\t-\n", id, err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\tresumable\t%s\n",
			id, humanize.IBytes(uint64(rec.TotalSize)), rec.RangeSet.Progress(), rec.OriginalURL)
	}
	return tw.Flush()
}

var removeCmd = &cobra.Command{
	Use:   "remove <url-or-id>",
	Short: "Delete a resource's data and meta files from storage-dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func runRemove(_ *cobra.Command, args []string) error {
	storageDir := viper.GetString("storage-dir")
	id := idFromArg(args[0])

	dataPath := filepath.Join(storageDir, id+".video")
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", dataPath, err)
	}
	if err := metastore.Delete(storageDir, id); err != nil {
		return err
	}
	fmt.Println("removed", id)
	return nil
}

// idFromArg accepts either a raw id or an origin URL, hashing URLs the same
// way manager.Resolve does so "remove <url>" and "remove <id>" are
// interchangeable.
func idFromArg(arg string) string {
	if strings.Contains(arg, "://") {
		return resourceid.Of(arg)
	}
	return arg
}

var clearAllCmd = &cobra.Command{
	Use:   "clear-all",
	Short: "Delete every file under storage-dir",
	RunE:  runClearAll,
}

func runClearAll(_ *cobra.Command, _ []string) error {
	storageDir := viper.GetString("storage-dir")
	entries, err := os.ReadDir(storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(storageDir, entry.Name())); err != nil {
			return err
		}
	}
	fmt.Println("cleared", storageDir)
	return nil
}

var promoteNowCmd = &cobra.Command{
	Use:   "promote-now <id>",
	Short: "Force-promote a complete resource that was never promoted",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromoteNow,
}

func runPromoteNow(_ *cobra.Command, args []string) error {
	storageDir := viper.GetString("storage-dir")
	collectionsDir := viper.GetString("collections-dir")
	if collectionsDir == "" {
		collectionsDir = filepath.Join(storageDir, "..", "collections")
	}
	id := args[0]

	rec, err := metastore.Load(storageDir, id)
	if err != nil {
		return err
	}
	if !rec.RangeSet.IsComplete() {
		return fmt.Errorf("resource %s is only %.1f%% complete", id, rec.RangeSet.Progress())
	}

	ext := filepath.Ext(rec.FileName)
	if ext == "" {
		ext = ".bin"
	}
	dst := rec.TargetPath
	if dst == "" {
		dst = filepath.Join(collectionsDir, id+ext)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src := filepath.Join(storageDir, id+".video")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	if err := metastore.Delete(storageDir, id); err != nil {
		return err
	}
	fmt.Println("promoted", id, "->", dst)
	return nil
}
