package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const clientTimeout = 30 * time.Second

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show one execution, or list active executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/executions"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			return a.call(cmd, http.MethodGet, path)
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an active execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, http.MethodDelete, "/api/v1/executions/"+url.PathEscape(args[0]))
		},
	}
}

func newArtifactsCmd(a *app) *cobra.Command {
	var agent, phase, typ string
	cmd := &cobra.Command{
		Use:   "artifacts [artifact-id]",
		Short: "Show one artifact, or search registered artifacts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return a.call(cmd, http.MethodGet, "/api/v1/artifacts/"+url.PathEscape(args[0]))
			}
			q := url.Values{}
			for k, v := range map[string]string{"agent": agent, "phase": phase, "type": typ} {
				if v != "" {
					q.Set(k, v)
				}
			}
			path := "/api/v1/artifacts"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return a.call(cmd, http.MethodGet, path)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&phase, "phase", "", "filter by phase")
	cmd.Flags().StringVar(&typ, "type", "", "filter by artifact type (code, tests, plan, ...)")
	return cmd
}

// call sends a request to the bridge server and pretty-prints the JSON
// response. Non-2xx responses are errors.
func (a *app) call(cmd *cobra.Command, method, path string) error {
	endpoint := strings.TrimRight(a.serverURL, "/") + path
	req, err := http.NewRequestWithContext(cmd.Context(), method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(pretty.Bytes())
	return err
}
