package commands

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

// snapshot is the subset of rendez_* metrics rendezctl understands.
type snapshot struct {
	SessionsActive  float64
	PeersActive     float64
	PacketsSent     float64
	PacketsReceived float64
	PacketsDropped  float64
	Pairings        float64
	Evictions       float64
	Pings           float64
}

func statusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch and summarize a rendezd instance's /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchSnapshot(addr)
			if err != nil {
				return err
			}
			switch format {
			case "json":
				return renderJSON(cmd.OutOrStdout(), snap)
			default:
				return renderTable(cmd.OutOrStdout(), snap)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9998/metrics", "rendezd metrics endpoint URL")
	return cmd
}

func fetchSnapshot(addr string) (snapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		return snapshot{}, fmt.Errorf("fetch %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("fetch %s: unexpected status %s", addr, resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return snapshot{}, fmt.Errorf("parse metrics from %s: %w", addr, err)
	}

	values := make(map[string]float64)
	for name, fam := range families {
		if len(fam.Metric) == 0 {
			continue
		}
		m := fam.Metric[0]
		switch {
		case m.Gauge != nil:
			values[name] = m.Gauge.GetValue()
		case m.Counter != nil:
			values[name] = m.Counter.GetValue()
		}
	}

	return snapshot{
		SessionsActive:  values["rendez_sessions_active"],
		PeersActive:     values["rendez_peers_active"],
		PacketsSent:     values["rendez_packets_sent_total"],
		PacketsReceived: values["rendez_packets_received_total"],
		PacketsDropped:  values["rendez_packets_dropped_total"],
		Pairings:        values["rendez_pairings_total"],
		Evictions:       values["rendez_evictions_total"],
		Pings:           values["rendez_pings_total"],
	}, nil
}
