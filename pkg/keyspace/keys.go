// Package keyspace generates the Redis key names used by the memory tiers.
//
// Every session-scoped key embeds the hash tag {session:<id>} so that a
// clustered key-value store colocates all of a session's keys in one slot,
// which is what makes the multi-key atomic scripts safe. The global lifecycle
// stream and repair sets use the fixed {mas} tag.
package keyspace

import "fmt"

// LifecycleStream is the global append-only event stream.
const LifecycleStream = "{mas}:lifecycle"

// GraphRepairSet holds episode IDs whose graph write failed and awaits the
// wake-up sweep.
const GraphRepairSet = "{mas}:repair:graph"

// sessionTag returns the hash-tag portion shared by all keys of a session.
func sessionTag(sessionID string) string {
	return fmt.Sprintf("{session:%s}", sessionID)
}

// Turns is the L1 list of recent turns for a session.
func Turns(sessionID string) string {
	return sessionTag(sessionID) + ":turns"
}

// FactIndex is the set of fact IDs already promoted to L2 for a session.
// It lives in the same slot as the turn list so the promotion script can
// read both atomically.
func FactIndex(sessionID string) string {
	return sessionTag(sessionID) + ":facts:index"
}

// Workspace is the session-scoped CAS workspace.
func Workspace(sessionID string) string {
	return sessionTag(sessionID) + ":workspace"
}

// AgentState is the per-agent state hash within a session.
func AgentState(sessionID, agentID string) string {
	return fmt.Sprintf("%s:agent:%s:state", sessionTag(sessionID), agentID)
}

// PromotionLease is the session-local lease that serializes promotions.
func PromotionLease(sessionID string) string {
	return sessionTag(sessionID) + ":promotion:lease"
}

// SessionKeys returns every session-scoped key the tiers use, for cleanup.
func SessionKeys(sessionID string) []string {
	return []string{
		Turns(sessionID),
		FactIndex(sessionID),
		Workspace(sessionID),
		PromotionLease(sessionID),
	}
}
