// Command manifold is the CLI for the manifold protocol runtime.
//
// Usage:
//
//	manifold validate
//	manifold schema > schemas/v1.json
//	manifold chat openai/gpt-4o "explain manifests in one sentence"
//	manifold models openrouter
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/manifold"
	"github.com/kadirpekel/manifold/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate provider manifests."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the manifest JSON Schema."`
	Chat     ChatCmd     `cmd:"" help:"Send a chat request through a provider manifest."`
	Models   ModelsCmd   `cmd:"" help:"List the models a provider serves."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := manifold.GetVersion()
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "(devel)" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	fmt.Println(info.String())
	return nil
}

func main() {
	// Credentials usually live in a .env during development.
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("manifold"),
		kong.Description("Manifest-driven client for heterogeneous AI provider APIs."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	out := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		out = f
	}
	logger.Init(level, out, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
