/*
Package main is the entry point for the gostscan command-line application.

gostscan classifies TLS endpoints by their cryptographic stack:
  - GOST_CERT: the served certificate chain carries GOST signature or key OIDs.
  - GOST_CIPHER: the handshake negotiated a GOST cipher suite.
  - RUS_CA: a conventional chain anchored in a known Russian CA.
  - FOREIGN_CA: a conventional chain with no Russian anchor.
  - CONNECTION_ERROR: the target could not complete a handshake.

The application uses the Cobra library for command-line interface structure
and flag parsing. It leverages several internal packages:
  - `internal/certscan`: TLS handshake capture and verdict classification.
  - `internal/replica`: the replica HTTP check API, client and server sides.
  - `internal/core`: replica pool, dispatcher, throttle, and the batch scanner.
  - `internal/cache`: the on-disk verdict cache.
  - `internal/metrics`: Prometheus metrics for monitoring scan behavior.

Subcommands (`scan`, `check`, `serve`, `cache-purge`) provide access to the
different modes. Graceful shutdown is handled via context cancellation
triggered by OS signals (SIGINT, SIGTERM).
*/
package main

/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/x-stp/gostscan/internal/cache"
	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/client"
	"github.com/x-stp/gostscan/internal/config"
	"github.com/x-stp/gostscan/internal/core"
	"github.com/x-stp/gostscan/internal/metrics"
	"github.com/x-stp/gostscan/internal/replica"
	"github.com/x-stp/gostscan/internal/util"
)

// Global flags (persistent across commands)
var (
	configPath    string
	enableMetrics bool
	metricsAddr   string
	replicaURLs   []string
)

// Flags specific to the scan command
var (
	domainsFile string
	outputFile  string
	parallelism int
	rateLimit   float64
	noCache     bool
	showStats   bool
)

// Flags specific to the check and serve commands
var (
	checkDetail bool
	listenAddr  string
)

// Flags specific to the cache-purge command
var expiredOnly bool

// cfg is the loaded configuration, populated by the root PersistentPreRunE.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gostscan",
	Short: "gostscan - classify TLS endpoints as GOST, Russian-CA, or foreign",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		// Command-line flags win over both file and environment.
		if len(replicaURLs) > 0 {
			cfg.Replicas = replicaURLs
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr = metricsAddr
			cfg.Metrics.Enabled = true
		}
		if enableMetrics {
			cfg.Metrics.Enabled = true
		}
		if cfg.Metrics.Enabled {
			metrics.EnableMetrics()
			if err := metrics.StartMetricsServer(cfg.Metrics.Addr); err != nil {
				log.Printf("Failed to start metrics server: %v", err)
			}
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [domains...]",
	Short: "Classify a batch of domains, from arguments, a file, or stdin",
	Long: `Classifies every given domain and prints one line per input:
domain, verdict, negotiated cipher, and TLS version. Domains come from
positional arguments, --file (one per line, # comments allowed), or stdin
when neither is given. Results are cached on disk unless --no-cache is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Classify a single domain and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(args[0])
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a classification replica exposing the HTTP check API",
	Long: `Starts the replica HTTP server. Other gostscan instances can use this
endpoint via --replica or the config file, spreading handshake load across
vantage points. The server answers GET /check?domain=<name> and GET /healthz.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "cache-purge",
	Short: "Remove cached verdicts, all of them or only expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCachePurge()
	},
}

func init() {
	// Persistent flags (available for all commands)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().BoolVar(&enableMetrics, "metrics", false, "Expose Prometheus metrics")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	rootCmd.PersistentFlags().StringSliceVar(&replicaURLs, "replica", nil, "Replica base URL(s) to dispatch checks to (repeatable)")

	// Flags for the scan command
	scanCmd.Flags().StringVarP(&domainsFile, "file", "f", "", "File with domains to scan, one per line")
	scanCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write results as CSV to this file ('auto' picks a timestamped name)")
	scanCmd.Flags().IntVarP(&parallelism, "parallelism", "c", 0, "Number of scan workers (0 for one per healthy replica)")
	scanCmd.Flags().Float64Var(&rateLimit, "rate", 0, "Outbound classification rate in requests/second (0 for config default)")
	scanCmd.Flags().BoolVar(&noCache, "no-cache", false, "Skip the on-disk verdict cache")
	scanCmd.Flags().BoolVarP(&showStats, "stats", "s", true, "Show progress during the scan")

	// Flags for the check command
	checkCmd.Flags().BoolVar(&checkDetail, "detail", false, "Include the full certificate chain snapshot")

	// Flags for the serve command
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config server.listen_addr)")

	// Flags for the cache-purge command
	cachePurgeCmd.Flags().BoolVar(&expiredOnly, "expired-only", false, "Remove only entries past their TTL")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cachePurgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildPool assembles the replica pool from configuration. With no replicas
// configured, every endpoint is a local checker so the pool still offers
// independent retry slots.
func buildPool() *core.Pool {
	var eps []*core.Endpoint
	if len(cfg.Replicas) > 0 {
		for _, url := range cfg.Replicas {
			eps = append(eps, &core.Endpoint{
				Name:    url,
				Checker: replica.NewHTTPChecker(url),
			})
		}
	} else {
		local := replica.NewLocalChecker(cfg.ConnectTimeout())
		for i := 0; i < core.DefaultPoolSize; i++ {
			eps = append(eps, &core.Endpoint{
				Name:    "local-" + strconv.Itoa(i),
				Checker: local,
			})
		}
	}
	return core.NewPool(eps, cfg.Cooldown())
}

func buildDispatcher() *core.Dispatcher {
	rate := cfg.Throttle.RatePerSec
	if rateLimit > 0 {
		rate = rateLimit
	}
	throttle := core.NewThrottle(rate, cfg.Throttle.Burst)
	return core.NewDispatcher(buildPool(), throttle, cfg.AttemptTimeout(), cfg.Pool.MaxAttempts)
}

// openCache opens the verdict cache per configuration; a nil return means
// caching is off for this run.
func openCache() (*cache.Cache, error) {
	if noCache || !cfg.Cache.Enabled {
		return nil, nil
	}
	store, err := cache.Open(cfg.Cache.Path, cfg.CacheTTL(), cfg.Cache.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("opening verdict cache: %w", err)
	}
	return store, nil
}

// collectDomains gathers scan targets from args, --file, or stdin.
func collectDomains(args []string) ([]string, error) {
	domains := append([]string(nil), args...)

	if domainsFile != "" {
		f, err := os.Open(domainsFile)
		if err != nil {
			return nil, fmt.Errorf("opening domains file: %w", err)
		}
		defer f.Close()
		fileDomains, err := readDomainLines(f)
		if err != nil {
			return nil, fmt.Errorf("reading domains file %q: %w", domainsFile, err)
		}
		domains = append(domains, fileDomains...)
	}

	if len(domains) == 0 {
		stdinDomains, err := readDomainLines(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading domains from stdin: %w", err)
		}
		domains = stdinDomains
	}
	return domains, nil
}

func readDomainLines(f *os.File) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// runScan is the handler for the 'scan' command.
func runScan(args []string) error {
	domains, err := collectDomains(args)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains to scan")
	}

	// Batch mode tuning for the shared HTTP client; only matters when
	// dispatching to remote replicas but harmless otherwise.
	client.ConfigureBatchMode()

	store, err := openCache()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var progress core.ProgressFunc
	if showStats {
		progress = func(p core.Progress) {
			fmt.Fprintf(os.Stderr, "\rScanned %d/%d | gost_cert: %d | gost_cipher: %d | rus_ca: %d | foreign: %d | errors: %d",
				p.Done, p.Total,
				p.Verdicts["GOST_CERT"], p.Verdicts["GOST_CIPHER"],
				p.Verdicts["RUS_CA"], p.Verdicts["FOREIGN_CA"],
				p.Verdicts["CONNECTION_ERROR"])
		}
	}

	scanner := core.NewBatchScanner(buildDispatcher(), store, core.BatchConfig{
		Parallelism: parallelism,
		Progress:    progress,
	})

	log.Printf("Starting scan of %d domains (replicas=%d, parallelism=%d)",
		len(domains), len(cfg.Replicas), parallelism)
	start := time.Now()

	results, runErr := scanner.Run(ctx, domains)
	if showStats {
		fmt.Fprintln(os.Stderr)
	}
	if runErr != nil && !errors.Is(runErr, core.ErrScanCancelled) {
		return runErr
	}

	printResults(results)
	displayFinalScanStats(scanner.Stats(), time.Since(start))

	if outputFile != "" {
		path := outputFile
		if path == "auto" {
			label := domainsFile
			if label == "" {
				label = "scan"
			}
			path = util.ReportFilename(label, time.Now())
		}
		if err := writeCSVReport(path, results); err != nil {
			return err
		}
		log.Printf("Report written to %s", path)
	}

	if errors.Is(runErr, core.ErrScanCancelled) {
		return runErr
	}
	return nil
}

func printResults(results []core.DomainResult) {
	for _, r := range results {
		if r.Err != nil && r.Verdict == certscan.VerdictConnectionError {
			fmt.Printf("%-40s %-18s %s\n", r.Input, r.Verdict, r.Err)
			continue
		}
		line := fmt.Sprintf("%-40s %-18s", r.Input, r.Verdict)
		if r.Cipher != "" {
			line += " " + r.Cipher
		}
		if r.Version != "" {
			line += " " + r.Version
		}
		if r.FromCache {
			line += " (cached)"
		}
		fmt.Println(line)
	}
}

func displayFinalScanStats(stats *core.BatchStats, elapsed time.Duration) {
	counts := stats.VerdictCounts()
	fmt.Printf("\n--- Final Scan Statistics ---\n")
	fmt.Printf("  Processing Time: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("    Total Domains: %d\n", stats.TotalDomains.Load())
	fmt.Printf("        Processed: %d\n", stats.Processed.Load())
	fmt.Printf("          Invalid: %d\n", stats.Invalid.Load())
	fmt.Printf("           Failed: %d\n", stats.Failed.Load())
	fmt.Printf("       Cache Hits: %d\n", stats.CacheHits.Load())
	fmt.Printf("        GOST Cert: %d\n", counts["GOST_CERT"])
	fmt.Printf("      GOST Cipher: %d\n", counts["GOST_CIPHER"])
	fmt.Printf("       Russian CA: %d\n", counts["RUS_CA"])
	fmt.Printf("       Foreign CA: %d\n", counts["FOREIGN_CA"])
	fmt.Printf("Connection Errors: %d\n", counts["CONNECTION_ERROR"])
	fmt.Printf("-----------------------------\n")
}

func writeCSVReport(path string, results []core.DomainResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"input", "domain", "verdict", "cipher", "tls_version", "from_cache", "error"}); err != nil {
		return err
	}
	for _, r := range results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		rec := []string{
			r.Input, r.Domain, r.Verdict.String(),
			r.Cipher, r.Version, strconv.FormatBool(r.FromCache), errMsg,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// runCheck is the handler for the 'check' command.
func runCheck(domain string) error {
	normalized := certscan.NormalizeDomain(domain)
	if normalized == "" {
		return fmt.Errorf("invalid domain %q", domain)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout())
	defer cancel()

	var checker replica.Checker
	if len(cfg.Replicas) > 0 {
		hc := replica.NewHTTPChecker(cfg.Replicas[0])
		hc.Detail = checkDetail
		checker = hc
	} else {
		checker = replica.NewLocalChecker(cfg.ConnectTimeout())
	}

	result, err := checker.Check(ctx, normalized)
	if err != nil {
		return err
	}
	if !checkDetail {
		result.Chain = nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// runServe is the handler for the 'serve' command.
func runServe() error {
	addr := cfg.Server.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := replica.NewLocalChecker(cfg.ConnectTimeout())
	srv := replica.NewServer(checker, cfg.CheckTimeout())

	log.Printf("Replica listening on %s (connect timeout %s, check timeout %s)",
		addr, cfg.ConnectTimeout(), cfg.CheckTimeout())
	err := srv.ListenAndServe(ctx, addr)

	if cfg.Metrics.Enabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if merr := metrics.ShutdownMetricsServer(shutdownCtx); merr != nil {
			log.Printf("Metrics server shutdown: %v", merr)
		}
	}
	return err
}

// runCachePurge is the handler for the 'cache-purge' command.
func runCachePurge() error {
	if !cfg.Cache.Enabled {
		return fmt.Errorf("cache is disabled in configuration")
	}
	store, err := cache.Open(cfg.Cache.Path, cfg.CacheTTL(), cfg.Cache.MaxEntries)
	if err != nil {
		return fmt.Errorf("opening verdict cache: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	var removed int64
	if expiredOnly {
		removed, err = store.Prune(ctx)
	} else {
		removed, err = store.Purge(ctx)
	}
	if err != nil {
		return err
	}
	log.Printf("Removed %d cached verdict(s) from %s", removed, cfg.Cache.Path)
	return nil
}
