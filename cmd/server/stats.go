package main

import (
	"time"

	"github.com/matst80/wsrelay/internal/relay"
)

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Backend       string           `json:"backend"`
	Instance      string           `json:"instance,omitempty"`
	Active        int              `json:"active"`
	ActiveList    []activeSession  `json:"active_sessions"`
	Instances     int              `json:"instances,omitempty"`
	ClusterActive int              `json:"cluster_active,omitempty"`
	TotalSessions int64            `json:"total_sessions"`
	BytesUp       int64            `json:"bytes_up"`
	BytesDown     int64            `json:"bytes_down"`
	Outcomes      map[string]int64 `json:"outcomes"`
	Recent        []relay.Summary  `json:"recent"`
	Now           string           `json:"now"`
}

func collectStats(s StateStore) Stats {
	st := s.getStats()
	st.Now = time.Now().UTC().Format(time.RFC3339)
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Backend":       s.Backend,
		"Instance":      s.Instance,
		"Active":        s.Active,
		"ActiveList":    s.ActiveList,
		"Instances":     s.Instances,
		"ClusterActive": s.ClusterActive,
		"Total":         s.TotalSessions,
		"BytesUp":       s.BytesUp,
		"BytesDown":     s.BytesDown,
		"Outcomes":      s.Outcomes,
		"Recent":        s.Recent,
	}
}
