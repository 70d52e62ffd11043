// Package actions provides the static classification tables for known
// security actions: read/write partition, base risk scores, and the
// rollback-pair lookup.
package actions

// Kind partitions actions into read and write.
type Kind string

// Action kinds. Unknown actions classify as write — the safe default.
const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// readActions is the set of known non-mutating actions.
var readActions = map[string]struct{}{
	"query_siem":              {},
	"enrich_ioc":              {},
	"collect_logs":            {},
	"get_host_info":           {},
	"get_user_info":           {},
	"get_process_tree":        {},
	"get_file_hash":           {},
	"get_network_connections": {},
	"search_edr":              {},
	"list_alerts":             {},
	"lookup_threat_intel":     {},
	"check_reputation":        {},
}

// writeScores maps known write actions to their base risk score [2,9].
// Read actions always score 1; unknown actions score defaultWriteScore.
var writeScores = map[string]int{
	"isolate_host":      9,
	"unisolate_host":    7,
	"disable_account":   8,
	"enable_account":    5,
	"reset_password":    7,
	"revoke_sessions":   6,
	"block_ip":          7,
	"unblock_ip":        4,
	"block_domain":      7,
	"unblock_domain":    4,
	"kill_process":      6,
	"quarantine_file":   6,
	"unquarantine_file": 4,
	"delete_email":      5,
	"close_alert":       3,
	"tag_alert":         2,
	"create_ticket":     2,
	"update_ticket":     2,
	"add_comment":       2,
	"send_notification": 2,
}

const (
	readScore         = 1
	defaultWriteScore = 5
)

// rollbackPairs maps each reversible action to its compensating action.
// This is a lookup table, not a graph: both directions are listed.
var rollbackPairs = map[string]string{
	"isolate_host":      "unisolate_host",
	"unisolate_host":    "isolate_host",
	"block_ip":          "unblock_ip",
	"unblock_ip":        "block_ip",
	"disable_account":   "enable_account",
	"enable_account":    "disable_account",
	"block_domain":      "unblock_domain",
	"unblock_domain":    "block_domain",
	"quarantine_file":   "unquarantine_file",
	"unquarantine_file": "quarantine_file",
}

// Classify returns the kind of an action. Unknown actions are write.
func Classify(action string) Kind {
	if _, ok := readActions[action]; ok {
		return KindRead
	}
	return KindWrite
}

// IsWrite reports whether the action mutates external systems.
func IsWrite(action string) bool {
	return Classify(action) == KindWrite
}

// BaseScore returns the static risk score for an action: 1 for reads, the
// table value for known writes, and a medium default for unknown writes.
func BaseScore(action string) int {
	if !IsWrite(action) {
		return readScore
	}
	if score, ok := writeScores[action]; ok {
		return score
	}
	return defaultWriteScore
}

// RollbackAction returns the compensating action for a reversible action.
func RollbackAction(action string) (string, bool) {
	compensating, ok := rollbackPairs[action]
	return compensating, ok
}

// Reversible reports whether the action has a known compensating action.
func Reversible(action string) bool {
	_, ok := rollbackPairs[action]
	return ok
}
