package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/proofpack"
)

// runExportCmd implements `keeld export`.
//
// Exports a sealed proof pack (.tar.gz) for one deal, replaying the log as
// of --at when given. Storage and sealing keys come from the same
// environment the server reads.
//
// Exit codes:
//
//	0 = pack written
//	1 = export failed
//	2 = usage error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		orgID      string
		dealID     string
		outPath    string
		atStr      string
		jsonOutput bool
	)

	cmd.StringVar(&orgID, "org", "", "Organization ID (REQUIRED)")
	cmd.StringVar(&dealID, "deal", "", "Deal ID (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output .tar.gz path (REQUIRED)")
	cmd.StringVar(&atStr, "at", "", "Export the log as of this RFC 3339 instant (default: full log)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the pack manifest as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if orgID == "" || dealID == "" || outPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --org, --deal and --out are required")
		return 2
	}

	var at time.Time
	if atStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --at timestamp: %v\n", err)
			return 2
		}
		at = parsed
	}

	ctx := context.Background()
	cfg := config.Load()

	store, db, err := openEventStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	rules, err := loadRuleset(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	k := kernel.New(store, rules)
	pack, err := proofpack.NewExporter(k, signer).Export(ctx, orgID, dealID, at)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}

	f, err := os.Create(outPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := pack.WriteTar(f); err != nil {
		_ = f.Close()
		_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
		return 1
	}
	if err := f.Close(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(pack.Manifest)
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Exported %s\n", outPath)
	_, _ = fmt.Fprintf(stdout, "  pack:    %s\n", pack.Manifest.PackID)
	_, _ = fmt.Fprintf(stdout, "  deal:    %s (seq %d)\n", dealID, pack.Manifest.Seq)
	_, _ = fmt.Fprintf(stdout, "  ruleset: %s\n", pack.Manifest.RulesetHash)
	_, _ = fmt.Fprintf(stdout, "  files:   %d\n", len(pack.Manifest.Files))
	if pack.Seal != nil {
		_, _ = fmt.Fprintf(stdout, "  seal:    %s\n", pack.Seal.KeyID)
	} else {
		_, _ = fmt.Fprintln(stdout, "  seal:    none")
	}
	return 0
}
