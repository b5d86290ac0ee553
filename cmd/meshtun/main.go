// Command meshtun is the node and server daemon entry point, and a thin
// client for each daemon's read-only status API. Subcommand dispatch and
// signal handling follow the teacher's single-binary flag.Parse shape
// (cmd/outline-cli-ws/main.go), generalized into a small subcommand tree
// since this binary wears three hats (node daemon, server daemon, status
// client) instead of one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshtun/internal/api"
	"meshtun/internal/config"
	"meshtun/internal/logging"
	"meshtun/internal/metrics"
	"meshtun/internal/node"
	"meshtun/internal/server"
	"meshtun/internal/tundevice"

	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "node":
		err = runNode(os.Args[2:])
	case "server":
		err = runServer(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "meshtun:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  meshtun node daemon <config>
  meshtun node info [--api addr] interface [--index N]
  meshtun node info [--api addr] nodemap <index> [--node-ip IP]
  meshtun server daemon <config>
  meshtun server info [--api addr] group
  meshtun server info [--api addr] nodemap <name> [--node-ip IP]`)
}

func runNode(args []string) error {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "daemon":
		return nodeDaemon(args[1:])
	case "info":
		return nodeInfo(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	return nil
}

func runServer(args []string) error {
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	switch args[0] {
	case "daemon":
		return serverDaemon(args[1:])
	case "info":
		return serverInfo(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	return nil
}

func nodeDaemon(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("node daemon: expected a config path")
	}

	log := logging.Init()
	cfg, err := config.LoadNodeConfig(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n, err := node.New(cfg, log, func(name string, mtu int) (tundevice.Device, error) {
		return tundevice.OpenOSTun(name, mtu)
	})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !cfg.FeaturesCfg.DisableSignalHandling {
		installSignalHandler(cancel, log)
	}

	if !cfg.FeaturesCfg.DisableAPIServer {
		handler := api.NewNodeHandler(n.Registry(), log)
		go serveHTTP(ctx, cfg.APIAddr, handler, log)
	}

	if cfg.MetricsAddr != "" {
		metrics.Enable()
		go func() {
			if err := metrics.StartServer(ctx, cfg.MetricsAddr); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("node daemon starting", zap.Int("groups", len(cfg.Groups)))
	n.Run(ctx)
	return nil
}

func serverDaemon(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("server daemon: expected a config path")
	}

	log := logging.Init()
	cfg, err := config.LoadServerConfig(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(cancel, log)

	handler := api.NewServerHandler(srv, log)
	go serveHTTP(ctx, cfg.APIAddr, handler, log)

	if cfg.MetricsAddr != "" {
		metrics.Enable()
		go func() {
			if err := metrics.StartServer(ctx, cfg.MetricsAddr); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("server daemon starting", zap.Int("groups", len(cfg.Groups)))
	return srv.Run(ctx)
}

func nodeInfo(args []string) error {
	fs := flag.NewFlagSet("node info", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:3030", "node daemon status API address")
	index := fs.Int("index", 0, "interface index (for the interface subcommand)")
	nodeIP := fs.String("node-ip", "", "filter to a single peer by virtual address")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("node info: expected interface or nodemap")
	}

	var path string
	switch rest[0] {
	case "interface":
		fs.Parse(rest[1:])
		path = "/info"
	case "nodemap":
		if len(rest) < 2 {
			return fmt.Errorf("node info nodemap: expected an interface index")
		}
		fs.Parse(rest[2:])
		path = fmt.Sprintf("/info?interface=%s", rest[1])
		if *nodeIP != "" {
			path += "&node_ip=" + *nodeIP
		}
		return printJSON(*apiAddr, path)
	default:
		return fmt.Errorf("node info: unknown subcommand %q", rest[0])
	}
	if *index != 0 {
		path = fmt.Sprintf("/info?interface=%d", *index)
	}
	return printJSON(*apiAddr, path)
}

func serverInfo(args []string) error {
	fs := flag.NewFlagSet("server info", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:3031", "server daemon status API address")
	nodeIP := fs.String("node-ip", "", "filter to a single peer by virtual address")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("server info: expected group or nodemap")
	}

	switch rest[0] {
	case "group":
		return printJSON(*apiAddr, "/info")
	case "nodemap":
		if len(rest) < 2 {
			return fmt.Errorf("server info nodemap: expected a group name")
		}
		fs.Parse(rest[2:])
		path := fmt.Sprintf("/nodemap?group=%s", rest[1])
		if *nodeIP != "" {
			path += "&node_ip=" + *nodeIP
		}
		return printJSON(*apiAddr, path)
	default:
		return fmt.Errorf("server info: unknown subcommand %q", rest[0])
	}
}

func printJSON(apiAddr, path string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s%s", apiAddr, path))
	if err != nil {
		return fmt.Errorf("query status api: %w", err)
	}
	defer resp.Body.Close()

	var buf any
	if err := json.NewDecoder(resp.Body).Decode(&buf); err != nil {
		io.Copy(os.Stdout, resp.Body)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buf)
}

func installSignalHandler(cancel context.CancelFunc, log *zap.Logger) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("shutting down")
		cancel()
	}()
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info("status api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("status api stopped", zap.Error(err))
	}
}
