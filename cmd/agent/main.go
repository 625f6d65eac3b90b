package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/cli"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/registry"
)

var rootCmd = &cobra.Command{Use: "agent"}

func main() {
	// The bare binary ships without handlers; deployments register theirs in
	// their own main (see examples/echo).
	cli.SetupCLI(rootCmd, registry.New())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
