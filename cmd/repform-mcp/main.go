package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/meltforce/repform/internal/mcp"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	serverURL := flag.String("server", "", "repform server URL (e.g. https://repform.tail1234.ts.net); defaults to $REPFORM_URL")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("repform-mcp", Version)
		return
	}

	// stdout carries the MCP protocol
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	_ = godotenv.Load()
	if *serverURL == "" {
		*serverURL = os.Getenv("REPFORM_URL")
	}
	if *serverURL == "" {
		fmt.Fprintf(os.Stderr, "Usage: repform-mcp -server <URL>\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	client := mcp.NewHTTPClient(*serverURL, os.Getenv("REPFORM_AUTH_API_KEY"))
	s := mcp.New(client, Version, log)

	log.Info("serving MCP over stdio", "server", *serverURL)
	if err := server.ServeStdio(s); err != nil {
		log.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
