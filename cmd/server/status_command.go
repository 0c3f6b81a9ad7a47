package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status [stream-key]",
		Short: "Print the status of a stream, or the active streams",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/livestream/active"
			if len(args) == 1 {
				path = "/livestream/" + url.PathEscape(args[0]) + "/status"
			}

			resp, err := resty.New().
				SetTimeout(10*time.Second).
				R().
				SetContext(cmd.Context()).
				SetHeader("Accept", "application/json").
				Get(strings.TrimRight(server, "/") + path)
			if err != nil {
				return fmt.Errorf("request status: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("status request failed: %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
			}

			var out bytes.Buffer
			if err := json.Indent(&out, resp.Body(), "", "  "); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of a running server")
	return cmd
}
