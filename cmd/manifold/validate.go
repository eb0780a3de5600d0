package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kadirpekel/manifold/pkg/manifest"
)

// ValidateCmd validates provider manifests in a protocol tree.
type ValidateCmd struct {
	IDs     []string `arg:"" optional:"" help:"Provider ids to validate. All discovered manifests when omitted."`
	BaseDir string   `short:"d" name:"base-dir" help:"Protocol tree root (default: env or dev-tree resolution)." type:"path"`
	Format  string   `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	Strict  bool     `help:"Require streaming-capable manifests to fully describe their decode path."`
}

// ValidationResult is one manifest's outcome.
type ValidationResult struct {
	ID    string `json:"id"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	var opts []manifest.StoreOption
	if c.BaseDir != "" {
		opts = append(opts, manifest.WithBaseDir(c.BaseDir))
	}
	if c.Strict {
		opts = append(opts, manifest.WithStrictStreaming())
	}
	store, err := manifest.NewStore(opts...)
	if err != nil {
		return err
	}

	ids := c.IDs
	if len(ids) == 0 {
		ids, err = store.Discover()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("no manifests found; point --base-dir or AI_PROTOCOL_DIR at a protocol tree")
		}
	}

	results := make([]ValidationResult, 0, len(ids))
	invalid := 0
	for _, id := range ids {
		res := ValidationResult{ID: id, Valid: true}
		if _, err := store.Load(id); err != nil {
			res.Valid = false
			res.Error = err.Error()
			invalid++
		}
		results = append(results, res)
	}

	printResults(c.Format, results, invalid)
	if invalid > 0 {
		return fmt.Errorf("%d of %d manifests invalid", invalid, len(results))
	}
	return nil
}

func printResults(format string, results []ValidationResult, invalid int) {
	switch format {
	case "json":
		out := struct {
			Valid   bool               `json:"valid"`
			Checked int                `json:"checked"`
			Results []ValidationResult `json:"results"`
		}{invalid == 0, len(results), results}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding JSON: %v\n", err)
		}
	case "verbose":
		fmt.Println("Manifest Validation")
		fmt.Println("===================")
		fmt.Println()
		for _, r := range results {
			if r.Valid {
				fmt.Printf("Provider: %s\nStatus:   OK\n\n", r.ID)
				continue
			}
			fmt.Printf("Provider: %s\nStatus:   INVALID\nError:    %s\n\n", r.ID, r.Error)
		}
		fmt.Printf("Checked: %d, invalid: %d\n", len(results), invalid)
	default: // compact
		for _, r := range results {
			if r.Valid {
				fmt.Printf("%s: valid\n", r.ID)
				continue
			}
			fmt.Fprintf(os.Stderr, "%s: invalid: %s\n", r.ID, r.Error)
		}
	}
}
