package statedb

import (
	"fmt"
	"strings"

	"nearview/keys"
)

// CompactAccount asks the backend to reclaim space held by deleted versions
// of every entry belonging to account. It is meant to follow a history
// cleanup pass.
func (s *DB) CompactAccount(account string) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("account is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("stateDB is closed")
	}

	for _, scope := range []keys.Scope{keys.ScopeAccount, keys.ScopeData, keys.ScopeAccessKey, keys.ScopeCode} {
		start := escapedPrefix(keys.Composite(scope, account, nil))
		end := prefixUpperBound(start)
		if err := s.store.CompactRange(start, end); err != nil {
			return fmt.Errorf("compact failed scope=%s account=%s: %w", scope, account, err)
		}
	}
	return nil
}

// Compact reclaims space across the whole version keyspace.
func (s *DB) Compact() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("stateDB is closed")
	}
	start := []byte{pfxVersion}
	return s.store.CompactRange(start, prefixUpperBound(start))
}
