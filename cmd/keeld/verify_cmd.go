package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/proofpack"
)

// runVerifyCmd implements `keeld verify`.
//
// Two modes. With --pack it re-derives a proof pack's file hashes, pack id
// and seal signature without touching any store. With --org and --deal it
// recomputes the live hash chain from the event store.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packPath   string
		orgID      string
		dealID     string
		jsonOutput bool
	)

	cmd.StringVar(&packPath, "pack", "", "Path to a proof pack .tar.gz")
	cmd.StringVar(&orgID, "org", "", "Organization ID (chain mode)")
	cmd.StringVar(&dealID, "deal", "", "Deal ID (chain mode)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	switch {
	case packPath != "":
		return verifyPack(packPath, jsonOutput, stdout, stderr)
	case orgID != "" && dealID != "":
		return verifyChain(orgID, dealID, jsonOutput, stdout, stderr)
	default:
		_, _ = fmt.Fprintln(stderr, "Error: specify --pack <file> or --org <id> --deal <id>")
		return 2
	}
}

func verifyPack(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	result := map[string]any{
		"mode":     "pack",
		"pack":     path,
		"verified": true,
		"issues":   []string{},
	}

	pack, err := proofpack.ReadTar(f)
	if err != nil {
		result["verified"] = false
		result["issues"] = []string{err.Error()}
		return reportVerify(result, jsonOutput, stdout)
	}

	result["packId"] = pack.Manifest.PackID
	result["dealId"] = pack.Manifest.DealID
	result["seq"] = pack.Manifest.Seq
	if err := pack.Verify(); err != nil {
		result["verified"] = false
		result["issues"] = []string{err.Error()}
	}
	return reportVerify(result, jsonOutput, stdout)
}

func verifyChain(orgID, dealID string, jsonOutput bool, stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	store, db, err := openEventStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	rules, err := loadRuleset(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	result := map[string]any{
		"mode":     "chain",
		"dealId":   dealID,
		"verified": true,
		"issues":   []string{},
	}

	head, err := kernel.New(store, rules).VerifyChain(ctx, orgID, dealID)
	if err != nil {
		result["verified"] = false
		result["issues"] = []string{err.Error()}
	} else {
		result["seq"] = head
	}
	return reportVerify(result, jsonOutput, stdout)
}

func reportVerify(result map[string]any, jsonOutput bool, stdout io.Writer) int {
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if verified, _ := result["verified"].(bool); verified {
		switch result["mode"] {
		case "pack":
			_, _ = fmt.Fprintf(stdout, "PASS %s (deal %s, seq %d)\n", result["packId"], result["dealId"], result["seq"])
		default:
			_, _ = fmt.Fprintf(stdout, "PASS deal %s chain intact through seq %d\n", result["dealId"], result["seq"])
		}
	} else {
		issues, _ := result["issues"].([]string)
		for _, issue := range issues {
			_, _ = fmt.Fprintf(stdout, "FAIL %v\n", issue)
		}
	}

	if verified, _ := result["verified"].(bool); !verified {
		return 1
	}
	return 0
}
