package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"driftdb/src/server"
	"driftdb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("driftdb - an embeddable document database with live queries")
	log.Println("\nUsage:")
	log.Println("  driftdb [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  driftdb --datadir=/data --create")
	log.Println("  driftdb --port=4985 --auth")
}

func main() {
	args := settings.GetSettings()

	flag.StringVar(&args.DataDir, "datadir", "./datafiles", "Directory holding database bundles")
	flag.StringVar(&args.LogDir, "logdir", "", "Directory to store log files (default: stdout)")
	flag.StringVar(&args.StorageEngine, "engine", "", "Storage engine to open bundles with (default: probe)")
	flag.BoolVar(&args.Create, "create", true, "Create bundles that do not exist yet")
	flag.BoolVar(&args.ReadOnly, "readonly", false, "Open bundles read-only")
	flag.BoolVar(&args.NoUpgrade, "noupgrade", false, "Refuse automatic upgrade of older on-disk formats")
	flag.BoolVar(&args.VersionVectors, "versionvectors", false, "Use version vectors instead of revision trees")
	flag.StringVar(&args.Host, "host", "127.0.0.1", "Host name or IP address to listen on")
	flag.IntVar(&args.Port, "port", 4985, "Port for the socket listener")
	flag.BoolVar(&args.AuthEnabled, "auth", false, "Require credentials on incoming connections")
	flag.BoolVar(&args.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug mode")
	flag.StringVar(&args.Version, "version", "0.1.0", "Shows version")

	flag.Parse()

	if args.LogDir != "" {
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFilename := fmt.Sprintf("%s_%s_ServerLog.txt", timestamp, args.Host)
		args.LogDir = filepath.Join(args.LogDir, logFilename)
	}

	if err := validateArguments(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	if args.Verbose {
		log.Println("driftdb starting with options:")
		log.Printf("  Data Directory: %s\n", args.DataDir)
		log.Printf("  Log File: %s\n", args.LogDir)
		log.Printf("  Host: %s\n", args.Host)
		log.Printf("  Port: %d\n", args.Port)
		log.Printf("  Auth: %v\n", args.AuthEnabled)
		log.Printf("  Read Only: %v\n", args.ReadOnly)
	}

	if args.LogDir != "" {
		logDir := filepath.Dir(args.LogDir)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Fatalf("Failed to create log directory: %v", err)
		}

		log.Printf("Logging to file: %s", args.LogDir)

		logFile, err := os.OpenFile(args.LogDir, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()

		mw := io.MultiWriter(os.Stdout, logFile)
		log.SetOutput(mw)
	}

	if err := os.MkdirAll(args.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	srv, err := server.InitServer(args)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}

	if args.AuthEnabled {
		srv.AddUser("admin", "admin123")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, syscall.SIGINT, syscall.SIGTERM)

	<-shutdownSignal
	fmt.Println("\nShutting down server...")

	if err := srv.Stop(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}

	fmt.Println("Server shutdown complete")
}

// validateArguments validates the arguments and returns an error if invalid
func validateArguments(args *settings.Arguments) error {
	dirInfo, err := os.Stat(args.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			err = os.MkdirAll(args.DataDir, 0755)
			if err != nil {
				return fmt.Errorf("could not create data directory: %w", err)
			}
		} else {
			return fmt.Errorf("error accessing data directory: %w", err)
		}
	} else if !dirInfo.IsDir() {
		return fmt.Errorf("data directory path exists but is not a directory: %s", args.DataDir)
	}

	if args.LogDir != "" {
		logDir := filepath.Dir(args.LogDir)
		if logDir != "." {
			if _, err := os.Stat(logDir); os.IsNotExist(err) {
				err = os.MkdirAll(logDir, 0755)
				if err != nil {
					return fmt.Errorf("could not create log directory: %w", err)
				}
			}
		}

		logFile, err := os.OpenFile(args.LogDir, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("could not open log file for writing: %w", err)
		}
		logFile.Close()
	}

	if args.Port < 1 || args.Port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", args.Port)
	}

	if args.ReadOnly && args.Create {
		args.Create = false
	}

	return nil
}
