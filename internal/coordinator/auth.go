package coordinator

import "crypto/subtle"

// authenticateToken maps a presented token to an agent id. Comparison is
// constant-time per entry and the scan never exits early, so response timing
// does not reveal which (if any) entry matched. Returns ("", false) for an
// unknown token.
func authenticateToken(tokens map[string]string, presented string) (string, bool) {
	var matched string
	var found bool
	for agentID, token := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			matched = agentID
			found = true
		}
	}
	return matched, found
}
