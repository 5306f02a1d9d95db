package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/confab-net/confab/internal/config"
	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/netutil"
	"github.com/confab-net/confab/internal/server"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "confab-server",
	Short: "Confab conference server",
	Long:  `Confab Server - hosts a LAN conference: video, audio, chat, whiteboard, screen share and file drops`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host a conference",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file",
	Run: func(cmd *cobra.Command, args []string) {
		writeDefaultConfig()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Confab Server v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultServerPath()+")")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.LoadServer(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
		os.Exit(1)
	}

	var logOutput io.Writer
	var rotator *logging.RotatingWriter
	if cfg.LogFile != "" {
		rotator, err = logging.NewRotatingWriter(cfg.LogFile, 20, 5)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer rotator.Close()
		logOutput = logging.TeeWriter(os.Stdout, rotator)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOutput)
	result.LogWarnings()

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	addr := "127.0.0.1"
	if ip, err := netutil.LocalIP(); err == nil {
		addr = ip.String()
	}
	port := srv.ControlAddr().(*net.TCPAddr).Port

	fmt.Printf("Starting Confab Server v%s\n", version)
	fmt.Printf("Room: %s\n", srv.Room())
	fmt.Printf("Address: %s\n", net.JoinHostPort(addr, strconv.Itoa(port)))
	fmt.Printf("Password: %s\n", srv.Password())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Reopen the log file on SIGHUP so logrotate can move it aside.
	if rotator != nil {
		hupChan := make(chan os.Signal, 1)
		signal.Notify(hupChan, syscall.SIGHUP)
		go func() {
			for range hupChan {
				if err := rotator.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "Log reopen failed: %v\n", err)
				}
			}
		}()
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nShutting down conference...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server stopped: %v\n", err)
			os.Exit(1)
		}
	}
}

func writeDefaultConfig() {
	path := cfgFile
	if path == "" {
		path = config.DefaultServerPath()
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Config already exists at %s\n", path)
		os.Exit(1)
	}

	if err := config.DefaultServer().Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit it and host a conference with 'confab-server run'.")
}
