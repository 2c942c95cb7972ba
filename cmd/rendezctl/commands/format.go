package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

func renderTable(w io.Writer, s snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		name  string
		value float64
	}{
		{"sessions_active", s.SessionsActive},
		{"peers_active", s.PeersActive},
		{"packets_sent_total", s.PacketsSent},
		{"packets_received_total", s.PacketsReceived},
		{"packets_dropped_total", s.PacketsDropped},
		{"pairings_total", s.Pairings},
		{"evictions_total", s.Evictions},
		{"pings_total", s.Pings},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r.name, r.value)
	}
	return tw.Flush()
}

func renderJSON(w io.Writer, s snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
