// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/glbimr/nexa/internal/app"
	"github.com/glbimr/nexa/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Nexa v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nexa peer <peer-directory>")
			os.Exit(1)
		}
		runCommand(args[1], app.RunPeer)

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nexa relay <peer-directory>")
			os.Exit(1)
		}
		runCommand(args[1], app.RunRelay)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCommand(dirArg string, run func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "nexa.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}

func printBanner(dir, cfgPath string) {
	fmt.Println("Nexa · call session orchestrator")
	fmt.Printf("  dir:    %s\n", dir)
	fmt.Printf("  config: %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("Nexa - peer call orchestrator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nexa peer <directory>    Run a peer")
	fmt.Println("  nexa relay <directory>   Run a signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        A nexa.json config file is created there on first run")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the websocket signaling relay; peers point relay.url at it")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
