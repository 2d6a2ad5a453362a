// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/observability"
)

// statusTimeout bounds one status query.
const statusTimeout = 2 * time.Second

// InstanceStatus is what the status command reports for one instance.
type InstanceStatus struct {
	Addr    string                `json:"addr"`
	Running bool                  `json:"running"`
	Status  *observability.Status `json:"status,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	addrs      []string
	client     *http.Client
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	return newStatusCmd(&http.Client{Timeout: statusTimeout})
}

func newStatusCmd(client *http.Client) *cobra.Command {
	cfg := &statusConfig{client: client}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of running roomcast instances",
		Long: `Show the health, connection count and uptime reported by the
metrics/health endpoint of one or more running instances.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(cfg.addrs) == 0 {
				resolved, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				if resolved.Server.MetricsAddr == "" {
					return oops.Code("CONFIG_INVALID").Errorf("server.metrics_addr is disabled; pass --instance")
				}
				cfg.addrs = []string{resolved.Server.MetricsAddr}
			}
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringSliceVar(&cfg.addrs, "instance", nil, "metrics address of an instance to query (repeatable)")

	return cmd
}

// runStatus queries every instance and prints the results.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	statuses := make([]InstanceStatus, 0, len(cfg.addrs))
	for _, addr := range cfg.addrs {
		statuses = append(statuses, queryInstanceStatus(cmd.Context(), cfg.client, addr))
	}

	if cfg.jsonOutput {
		output, err := formatStatusJSON(statuses)
		if err != nil {
			return err
		}
		cmd.Println(output)
		return nil
	}
	cmd.Print(formatStatusTable(statuses))
	return nil
}

// queryInstanceStatus fetches /healthz/status from addr.
func queryInstanceStatus(ctx context.Context, client *http.Client, addr string) InstanceStatus {
	status := InstanceStatus{Addr: addr}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(addr), nil)
	if err != nil {
		status.Error = fmt.Sprintf("invalid address: %v", err)
		return status
	}
	resp, err := client.Do(req)
	if err != nil {
		status.Error = "not reachable"
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	var body observability.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		status.Error = fmt.Sprintf("failed to decode status: %v", err)
		return status
	}
	status.Running = true
	status.Status = &body
	return status
}

// statusURL turns a listen address into a URL. Wildcard hosts are dialled
// on loopback.
func statusURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/healthz/status"
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr + "/healthz/status"
}

// formatStatusTable formats the statuses as a human-readable table.
func formatStatusTable(statuses []InstanceStatus) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "INSTANCE\tADDR\tSTATUS\tREADY\tCONNS\tUPTIME")
	_, _ = fmt.Fprintln(w, "--------\t----\t------\t-----\t-----\t------")

	for _, s := range statuses {
		if !s.Running {
			reason := "not running"
			if s.Error != "" {
				reason = s.Error
			}
			_, _ = fmt.Fprintf(w, "-\t%s\tstopped\t-\t-\t%s\n", s.Addr, reason)
			continue
		}
		ready := "yes"
		if !s.Status.Ready {
			ready = "no"
			if s.Status.Reason != "" {
				ready = "no (" + s.Status.Reason + ")"
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\trunning\t%s\t%d\t%s\n",
			s.Status.InstanceID, s.Addr, ready, s.Status.Connections, formatUptime(s.Status.UptimeSeconds))
	}

	_ = w.Flush()
	return sb.String()
}

// formatStatusJSON formats the statuses as JSON.
func formatStatusJSON(statuses []InstanceStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", oops.Code("STATUS_FORMAT_FAILED").Wrap(err)
	}
	return string(data), nil
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
