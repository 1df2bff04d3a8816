package filestore

import (
	"io"

	"nearview/changes"
	"nearview/keys"
)

// changeKey is the key recorded in a change-index file: the scope tag
// followed by the stored subKey, if any.
func changeKey(p keys.Parsed) []byte {
	out := make([]byte, 0, 1+len(p.SubKey))
	out = append(out, byte(p.Scope))
	return append(out, p.SubKey...)
}

// ExportChanges writes a change-index file listing, per account, every key
// with the heights at which it was written or deleted.
func (s *Store) ExportChanges(w io.Writer) error {
	s.mu.RLock()
	byAccount := make(map[string][]changes.KeyChanges)
	var splitErr error
	s.index.Ascend(func(e *entry) bool {
		p, err := keys.Split([]byte(e.key))
		if err != nil {
			splitErr = err
			return false
		}
		heights := make([]uint64, len(e.versions))
		for i, v := range e.versions {
			heights[i] = v.height
		}
		if len(heights) == 0 {
			return true
		}
		byAccount[p.Account] = append(byAccount[p.Account], changes.KeyChanges{
			Key:     changeKey(p),
			Changes: heights,
		})
		return true
	})
	s.mu.RUnlock()
	if splitErr != nil {
		return splitErr
	}
	return changes.WriteChangesFile(w, byAccount)
}
