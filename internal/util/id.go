package util

import "github.com/rs/xid"

// NewID returns a sortable unique id, optionally prefixed ("ann_<xid>").
func NewID(prefix string) string {
	id := xid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
