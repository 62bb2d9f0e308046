package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/humanloop/internal/mcp"
	"github.com/nextlevelbuilder/humanloop/pkg/protocol"
)

func callCmd() *cobra.Command {
	var (
		url        string
		headers    map[string]string
		question   string
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Connect to a humanloop MCP server as a client and list its tools",
		Long: "Without --url, spawns this binary's serve command over stdio. With --question,\n" +
			"also calls telegram_notify_and_wait end to end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mcp.ClientConfig{Transport: mcp.TransportStdio}
			if url != "" {
				cfg.Transport = mcp.TransportHTTP
				cfg.URL = url
				cfg.Headers = headers
			} else {
				exe, err := os.Executable()
				if err != nil {
					return fmt.Errorf("locate executable: %w", err)
				}
				cfg.Command = exe
				cfg.Args = []string{"serve", "--transport", mcp.TransportStdio}
				if cfgFile != "" {
					cfg.Args = append(cfg.Args, "--config", cfgFile)
				}
			}
			return runCall(cfg, question, timeoutSec)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "streamable HTTP endpoint (e.g. http://127.0.0.1:18791/mcp)")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "extra HTTP headers (key=value)")
	cmd.Flags().StringVar(&question, "question", "", "also send this question and wait for the answer")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 60, "seconds to wait for --question")
	return cmd
}

func runCall(cfg mcp.ClientConfig, question string, timeoutSec int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mcp.Connect(ctx, cfg, Version)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("Server:  %s %s\n", client.ServerInfo.Name, client.ServerInfo.Version)
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Tools:")
	for _, name := range tools {
		fmt.Printf("  - %s\n", name)
	}

	if question == "" {
		return nil
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec+10)*time.Second)
	defer callCancel()
	text, err := client.CallTool(callCtx, protocol.ToolNotifyAndWait, map[string]any{
		protocol.ArgQuestion:   question,
		protocol.ArgTimeoutSec: timeoutSec,
	})
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
