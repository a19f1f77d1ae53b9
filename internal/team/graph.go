// Package team mirrors completed-session signals into a FalkorDB graph so a
// manager can see aggregate wellbeing trends for their reports. The graph is
// a derived view; the relational store stays the source of truth.
package team

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	falkordb "github.com/falkordb/falkordb-go"
	"github.com/gomodule/redigo/redis"

	"github.com/solace-ai/solace/pkg/models"
)

const graphName = "solace_team"

// MemberInsight is one report's latest signals.
type MemberInsight struct {
	UserID          string             `json:"user_id"`
	Sessions        int64              `json:"sessions"`
	LastCompletedAt int64              `json:"last_completed_at_epoch,omitempty"`
	Ocean           models.OceanScores `json:"ocean"`
	HasOceanSignals bool               `json:"has_ocean_signals"`
}

// TeamReport aggregates a manager's reports.
type TeamReport struct {
	ManagerID    string             `json:"manager_id"`
	Members      []MemberInsight    `json:"members"`
	AverageOcean models.OceanScores `json:"average_ocean"`
}

// Graph wraps a named FalkorDB graph. A nil *Graph is valid and turns every
// method into a no-op, which is how deployments without a graph store run.
type Graph struct {
	mu    sync.Mutex
	graph falkordb.Graph
	conn  redis.Conn
}

// Connect opens the team graph. An empty addr disables the feature.
func Connect(addr string) (*Graph, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := redis.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial graph store %s: %w", addr, err)
	}
	return &Graph{graph: falkordb.GraphNew(graphName, conn), conn: conn}, nil
}

// Close releases the graph connection.
func (g *Graph) Close() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.Close()
}

// RecordCompletion upserts the user and session nodes for a completed
// conversation. When insights are present the user node carries the latest
// OCEAN scores so team queries never have to scan session history.
func (g *Graph) RecordCompletion(conv *models.Conversation, insights *models.SessionInsights) error {
	if g == nil || conv == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.graph.Query(completionQuery(conv, insights)); err != nil {
		return fmt.Errorf("record completion for %s: %w", conv.ID, err)
	}
	return nil
}

// EnsureManager links a manager to one of their reports.
func (g *Graph) EnsureManager(managerID, userID string) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.graph.Query(managerQuery(managerID, userID)); err != nil {
		return fmt.Errorf("link manager %s to %s: %w", managerID, userID, err)
	}
	return nil
}

// TeamInsights returns per-member latest signals plus team averages for one
// manager. Members who never completed an analyzed session appear with zero
// scores and are excluded from the averages.
func (g *Graph) TeamInsights(managerID string) (*TeamReport, error) {
	if g == nil {
		return nil, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	result, err := g.graph.Query(teamQuery(managerID))
	if err != nil {
		return nil, fmt.Errorf("query team for %s: %w", managerID, err)
	}

	report := &TeamReport{ManagerID: managerID, Members: []MemberInsight{}}
	for result.Next() {
		record := result.Record()
		member := MemberInsight{
			UserID:          asString(record.GetByIndex(0)),
			Sessions:        asInt64(record.GetByIndex(1)),
			LastCompletedAt: asInt64(record.GetByIndex(2)),
			Ocean: models.OceanScores{
				Openness:          asFloat(record.GetByIndex(3)),
				Conscientiousness: asFloat(record.GetByIndex(4)),
				Extraversion:      asFloat(record.GetByIndex(5)),
				Agreeableness:     asFloat(record.GetByIndex(6)),
				Neuroticism:       asFloat(record.GetByIndex(7)),
			},
		}
		member.HasOceanSignals = !member.Ocean.IsZero()
		report.Members = append(report.Members, member)
	}
	report.AverageOcean = averageOcean(report.Members)
	return report, nil
}

func completionQuery(conv *models.Conversation, insights *models.SessionInsights) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (u:User {id: '%s'})", escape(conv.UserID))
	fmt.Fprintf(&b, " MERGE (s:Session {id: '%s'})", escape(conv.ID))
	fmt.Fprintf(&b, " SET s.started_at_epoch = %d", conv.StartedAtEpoch)
	if conv.CompletedAtEpoch.Valid {
		fmt.Fprintf(&b, ", s.completed_at_epoch = %d", conv.CompletedAtEpoch.Int64)
	}
	if conv.DurationMinutes.Valid {
		fmt.Fprintf(&b, ", s.duration_minutes = %d", conv.DurationMinutes.Int64)
	}
	if insights != nil && !insights.Ocean.IsZero() {
		writeOcean(&b, "s", insights.Ocean)
		writeOcean(&b, "u", insights.Ocean)
		if conv.CompletedAtEpoch.Valid {
			fmt.Fprintf(&b, ", u.last_completed_at_epoch = %d", conv.CompletedAtEpoch.Int64)
		}
	}
	b.WriteString(" MERGE (u)-[:COMPLETED]->(s)")
	return b.String()
}

func managerQuery(managerID, userID string) string {
	return fmt.Sprintf(
		"MERGE (m:Manager {id: '%s'}) MERGE (u:User {id: '%s'}) MERGE (m)-[:MANAGES]->(u)",
		escape(managerID), escape(userID))
}

func teamQuery(managerID string) string {
	return fmt.Sprintf(
		"MATCH (m:Manager {id: '%s'})-[:MANAGES]->(u:User)"+
			" OPTIONAL MATCH (u)-[:COMPLETED]->(s:Session)"+
			" RETURN u.id, count(s), max(s.completed_at_epoch),"+
			" u.openness, u.conscientiousness, u.extraversion, u.agreeableness, u.neuroticism"+
			" ORDER BY u.id",
		escape(managerID))
}

func writeOcean(b *strings.Builder, alias string, ocean models.OceanScores) {
	fmt.Fprintf(b, ", %s.openness = %s", alias, formatScore(ocean.Openness))
	fmt.Fprintf(b, ", %s.conscientiousness = %s", alias, formatScore(ocean.Conscientiousness))
	fmt.Fprintf(b, ", %s.extraversion = %s", alias, formatScore(ocean.Extraversion))
	fmt.Fprintf(b, ", %s.agreeableness = %s", alias, formatScore(ocean.Agreeableness))
	fmt.Fprintf(b, ", %s.neuroticism = %s", alias, formatScore(ocean.Neuroticism))
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escape makes a string safe inside a single-quoted Cypher literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func averageOcean(members []MemberInsight) models.OceanScores {
	var sum models.OceanScores
	var n float64
	for _, m := range members {
		if !m.HasOceanSignals {
			continue
		}
		sum.Openness += m.Ocean.Openness
		sum.Conscientiousness += m.Ocean.Conscientiousness
		sum.Extraversion += m.Ocean.Extraversion
		sum.Agreeableness += m.Ocean.Agreeableness
		sum.Neuroticism += m.Ocean.Neuroticism
		n++
	}
	if n == 0 {
		return models.OceanScores{}
	}
	return models.OceanScores{
		Openness:          sum.Openness / n,
		Conscientiousness: sum.Conscientiousness / n,
		Extraversion:      sum.Extraversion / n,
		Agreeableness:     sum.Agreeableness / n,
		Neuroticism:       sum.Neuroticism / n,
	}
}

// Scalar coercions for graph query results. The client returns untyped
// values whose concrete type varies by column and server version.

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
