package domain

import "strings"

// Status is the kitchen workflow position of an order or of a single item.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusPreparing Status = "preparing"
	StatusServed    Status = "served"
	StatusBilled    Status = "billed"
)

var statusRank = map[Status]int{
	StatusPlaced:    0,
	StatusPreparing: 1,
	StatusServed:    2,
	StatusBilled:    3,
}

// Rank returns the ordinal position of s in the workflow, or -1 if s is unknown.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}
