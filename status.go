package ssebackplane

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// ReportingStatus is snapshot of metadata about the status of a backplane.
//
// It can be serialized to JSON and is what gets reported to the admin API.
type ReportingStatus struct {
	Node        string             `json:"node"`
	Status      string             `json:"status"`
	Reported    int64              `json:"reported_at"`
	StartupTime int64              `json:"startup_time"`
	SentMsgs    uint64             `json:"msgs_broadcast"`
	Groups      map[string]int     `json:"groups"`
	Connections []ConnectionStatus `json:"connections"`
}

// Status returns the ReportingStatus for this node, connections sorted by age.
//
// Primarily intended for logging and reporting.
func (m *Memory) Status() ReportingStatus {
	stats := ReportingStatus{
		Node:        m.conf.NodeName,
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: m.startupTime.Unix(),
		SentMsgs:    m.sentMsgs.Load(),
		Groups:      m.reg.Groups(),
	}

	conns := m.reg.snapshot()
	stats.Connections = make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		stats.Connections = append(stats.Connections, c.Status())
	}
	sort.Slice(stats.Connections, func(i, j int) bool {
		return stats.Connections[i].Created < stats.Connections[j].Created
	})
	return stats
}

func defaultNodeName() string {
	return fmt.Sprintf("%s-%s-%s", platform(), env(), nodeName())
}

// The name of the platform we are running on.
func platform() string {
	return "go"
}

// Attempts to intelligently get the name of the node we are running on.
//
// First checks for a Heroku $DYNO variable (e.g. `web.2` etc), if that isn't
// found will default to the local hostname.
func nodeName() string {
	if dyno := os.Getenv("DYNO"); dyno != "" {
		return dyno
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown.X"
}

// A string representing the environment (dev/staging/prod), for reporting.
func env() string {
	if env := os.Getenv("GO_ENV"); env != "" {
		return env
	}
	return "development"
}
