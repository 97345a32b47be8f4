package models

import "strconv"

// EntityID identifies a replica record. Non-negative values are server ids;
// negative values are pending ids minted locally for optimistic placeholders
// and purged once the authoritative record arrives.
type EntityID int64

func (id EntityID) IsPending() bool {
	return id < 0
}

func (id EntityID) IsServer() bool {
	return id >= 0
}

func (id EntityID) Int64() int64 {
	return int64(id)
}

func (id EntityID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
