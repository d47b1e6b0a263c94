package domain

import "strings"

// SplitScopes splits a space-delimited scope string, dropping empty entries.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScopes joins scopes into the wire representation.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
