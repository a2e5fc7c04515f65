package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/mcp"
)

var serversManifest string

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Start the configured tool servers and list their capabilities",
	Long: `Start every configured tool server, perform the protocol handshake and
list the capabilities each one advertises. Servers are stopped on exit.

Optional servers that fail to start are reported as lost; a required
server that fails to start is an error.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx, stackOptions{manifest: serversManifest})
		if err != nil {
			return err
		}
		defer st.close()

		printCatalog(st.manager.Catalog())
		return nil
	},
}

func init() {
	serversCmd.Flags().StringVar(&serversManifest, "manifest", "", "Extra tool-server manifest (servers.yaml)")
}

// printCatalog lists each server with its state and capabilities.
func printCatalog(catalog []mcp.ServerSummary) {
	for i, s := range catalog {
		if i > 0 {
			fmt.Println()
		}
		symbol, attr, state := "✓", color.FgGreen, "running"
		switch {
		case s.Lost:
			symbol, attr, state = "✗", color.FgRed, "lost"
		case !s.Alive:
			symbol, attr, state = "!", color.FgYellow, "stopped"
		}
		header := fmt.Sprintf("%s (%s", s.Name, state)
		if s.Required {
			header += ", required"
		}
		header += ")"
		if s.Description != "" {
			header += " - " + s.Description
		}
		printStatus(symbol, header, attr)

		for _, c := range s.Capabilities {
			fmt.Printf("    %s%s\n", mcp.Qualify(c.Server, c.Name), capabilityParams(c))
			if c.Description != "" {
				fmt.Printf("        %s\n", c.Description)
			}
		}
	}
}

// capabilityParams renders the parameter list, marking required ones with '*'.
func capabilityParams(c mcp.Capability) string {
	names := c.ParamNames()
	if len(names) == 0 {
		return ""
	}
	required := make(map[string]bool)
	for _, r := range c.RequiredParams() {
		required[r] = true
	}
	parts := make([]string, len(names))
	for i, n := range names {
		if required[n] {
			n += "*"
		}
		parts[i] = n
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
