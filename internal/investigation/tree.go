package investigation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trading-core/internal/types"
)

// Decision tree node types.
const (
	NodeSessionRoot     = "SESSION_ROOT"
	NodeSignalAnalysis  = "SIGNAL_ANALYSIS"
	NodeRiskAssessment  = "RISK_ASSESSMENT"
	NodeComplianceCheck = "COMPLIANCE_CHECK"
	NodePositionSizing  = "POSITION_SIZING"
	NodeOrderExecution  = "ORDER_EXECUTION"
	NodeFinalOutcome    = "FINAL_OUTCOME"
)

// TreeNode is one decision in a reconstructed session tree.
type TreeNode struct {
	NodeID          string          `json:"node_id"`
	NodeType        string          `json:"node_type"`
	EventID         string          `json:"event_id,omitempty"`
	EventType       types.EventType `json:"event_type,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	Children        []string        `json:"children,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	Success         bool            `json:"success"`
	ExecutionTimeMS float64         `json:"execution_time_ms"`
	Rationale       string          `json:"rationale,omitempty"`
}

// TreeMetrics aggregates over every decision node in the tree.
type TreeMetrics struct {
	TotalNodes           int     `json:"total_nodes"`
	SuccessRate          float64 `json:"success_rate"`
	TotalExecutionTimeMS float64 `json:"total_execution_time_ms"`
}

// DecisionTree is a reconstructed view of the decisions behind a session.
// It is built on demand from the event log and is never the source of truth.
type DecisionTree struct {
	TreeID       string               `json:"tree_id"`
	SessionID    string               `json:"session_id"`
	RootID       string               `json:"root_id"`
	Nodes        map[string]*TreeNode `json:"nodes"`
	FinalOutcome string               `json:"final_outcome"`
	Metrics      TreeMetrics          `json:"performance_metrics"`
}

// nodeTypeFor maps decision-bearing event types to node types. Events not in
// this table (position bookkeeping, audit noise) do not become nodes.
func nodeTypeFor(eventType types.EventType) (string, bool) {
	switch eventType {
	case types.EventSignalGenerated:
		return NodeSignalAnalysis, true
	case types.EventSignalRejected:
		return NodeSignalAnalysis, true
	case types.EventRiskCheck:
		return NodeRiskAssessment, true
	case types.EventComplianceCheck:
		return NodeComplianceCheck, true
	case types.EventOrderPlaced:
		return NodePositionSizing, true
	case types.EventOrderSubmitted, types.EventOrderExecuted:
		return NodeOrderExecution, true
	case types.EventOrderRejected, types.EventOrderCancelled, types.EventOrderExpired, types.EventPositionClosed:
		return NodeFinalOutcome, true
	}
	return "", false
}

// BuildDecisionTree reconstructs the decision tree for a session from its
// recorded events, which must already be in sequence order. Each node links
// to its parent event when one exists, otherwise to the session root.
func BuildDecisionTree(sessionID string, recorded []types.TradingEvent) *DecisionTree {
	root := &TreeNode{
		NodeID:   "NODE_ROOT",
		NodeType: NodeSessionRoot,
		Success:  true,
	}
	if len(recorded) > 0 {
		root.Timestamp = recorded[0].Timestamp
	}

	tree := &DecisionTree{
		TreeID:    "TREE_" + uuid.New().String(),
		SessionID: sessionID,
		RootID:    root.NodeID,
		Nodes:     map[string]*TreeNode{root.NodeID: root},
	}

	byEventID := make(map[string]*TreeNode)

	for i := range recorded {
		event := &recorded[i]
		nodeType, ok := nodeTypeFor(event.EventType)
		if !ok {
			continue
		}

		node := &TreeNode{
			NodeID:          fmt.Sprintf("NODE_%06d", event.SequenceNumber),
			NodeType:        nodeType,
			EventID:         event.EventID,
			EventType:       event.EventType,
			Timestamp:       event.Timestamp,
			Success:         event.Success,
			ExecutionTimeMS: event.ExecutionTimeMS,
		}
		if event.Context != nil {
			node.Rationale = event.Context.Rationale
		}

		parent := root
		if event.ParentEventID != "" {
			if p, found := byEventID[event.ParentEventID]; found {
				parent = p
			}
		}
		node.ParentID = parent.NodeID
		parent.Children = append(parent.Children, node.NodeID)

		tree.Nodes[node.NodeID] = node
		byEventID[event.EventID] = node
	}

	tree.Metrics = computeMetrics(tree)
	tree.FinalOutcome = finalOutcome(tree, recorded)
	return tree
}

// computeMetrics derives aggregates: success rate is the fraction of
// decision nodes with a non-error outcome, total execution time is the sum
// over per-node execution times.
func computeMetrics(tree *DecisionTree) TreeMetrics {
	metrics := TreeMetrics{}
	successes := 0
	for id, node := range tree.Nodes {
		if id == tree.RootID {
			continue
		}
		metrics.TotalNodes++
		metrics.TotalExecutionTimeMS += node.ExecutionTimeMS
		if node.Success {
			successes++
		}
	}
	if metrics.TotalNodes > 0 {
		metrics.SuccessRate = float64(successes) / float64(metrics.TotalNodes)
	}
	return metrics
}

func finalOutcome(tree *DecisionTree, recorded []types.TradingEvent) string {
	for i := len(recorded) - 1; i >= 0; i-- {
		if _, ok := nodeTypeFor(recorded[i].EventType); !ok {
			continue
		}
		outcome := string(recorded[i].EventType)
		if !recorded[i].Success {
			return outcome + " (failed)"
		}
		return outcome
	}
	return "NO_DECISIONS"
}
