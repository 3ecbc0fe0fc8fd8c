package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/slip-verifier/easyslip"
	"github.com/zombor/slip-verifier/internal/imaging"
	"github.com/zombor/slip-verifier/internal/slip"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("slip-verifier")
	var (
		apiKey      = fs.StringLong("api-key", "", "EasySlip API key")
		endpoint    = fs.StringLong("endpoint", easyslip.DefaultEndpoint, "EasySlip verify endpoint")
		timeout     = fs.DurationLong("timeout", 30*time.Second, "Request timeout for the EasySlip API")
		insecure    = fs.BoolLong("insecure-skip-verify", "Skip TLS certificate verification (testing only)")
		payload     = fs.StringLong("payload", "", "Verify a single QR payload and exit")
		imagePath   = fs.StringLong("image", "", "Verify a single slip image and exit")
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "slips.db", "Database file path")
		storagePath = fs.StringLong("storage", "./slips", "Storage directory path")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EASYSLIP"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *apiKey == "" {
		slog.Error("EasySlip API key is required. Set --api-key flag or EASYSLIP_API_KEY environment variable")
		os.Exit(1)
	}

	client := easyslip.NewClient(*apiKey,
		easyslip.WithEndpoint(*endpoint),
		easyslip.WithTimeout(*timeout),
		easyslip.WithInsecureSkipVerify(*insecure),
		easyslip.WithLogger(logger),
	)
	if *insecure {
		slog.Warn("TLS certificate verification is disabled")
	}

	if *payload != "" || *imagePath != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := verifyOnce(ctx, client, *payload, *imagePath)
		stop()
		if err != nil {
			reportError(err)
			os.Exit(1)
		}
		return
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := slip.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := slip.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	slipService := slip.NewService(db, client, store)

	basicAuth := slip.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := slip.NewServer(slipService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "endpoint", *endpoint)
	if basicAuth.Enabled() {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// verifyOnce verifies a single payload or image and prints the result as JSON
func verifyOnce(ctx context.Context, client *easyslip.Client, payload, imagePath string) error {
	if payload != "" && imagePath != "" {
		return errors.New("--payload and --image are mutually exclusive")
	}

	var (
		result *easyslip.VerificationResult
		err    error
	)
	if payload != "" {
		result, err = client.VerifyByPayload(ctx, payload)
	} else {
		result, err = verifyImageFile(ctx, client, imagePath)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(struct {
		*easyslip.VerificationResult
		AmountMajor string `json:"amountMajor"`
	}{result, result.Amount.Major().StringFixed(2)}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// verifyImageFile uploads JPEG and PNG files as they are and converts
// everything else first
func verifyImageFile(ctx context.Context, client *easyslip.Client, path string) (*easyslip.VerificationResult, error) {
	contentType := imaging.ContentTypeFor(path)
	if contentType == "image/jpeg" || contentType == "image/png" {
		return client.VerifyByImage(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &easyslip.FileAccessError{Path: path, Err: err}
	}
	prepared, preparedType, err := imaging.Prepare(data, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing %s: %w", path, err)
	}
	slog.Debug("Converted slip image", "path", path, "content_type", preparedType, "size", len(prepared))

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".png"
	return client.VerifyByImageReader(ctx, name, bytes.NewReader(prepared))
}

func reportError(err error) {
	var verifyErr *easyslip.VerificationError
	var decodeErr *easyslip.DecodeError
	var fileErr *easyslip.FileAccessError
	switch {
	case errors.As(err, &verifyErr):
		slog.Error("Slip rejected", "status", verifyErr.Status, "message", verifyErr.Message)
	case errors.As(err, &decodeErr):
		slog.Error("Unexpected response from EasySlip", "field", decodeErr.Field, "error", decodeErr.Err)
	case errors.As(err, &fileErr):
		slog.Error("Cannot read slip image", "path", fileErr.Path, "error", fileErr.Err)
	default:
		slog.Error("Verification failed", "error", err)
	}
}
