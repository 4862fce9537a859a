/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package zonedb

import "fmt"

type ResultKind uint8

const (
	NotAuthoritative ResultKind = iota
	Answer
	CNAME
	NoData
	NXDomain
)

var ResultKindToString = map[ResultKind]string{
	NotAuthoritative: "NotAuthoritative",
	Answer:           "Answer",
	CNAME:            "CNAME",
	NoData:           "NoData",
	NXDomain:         "NXDomain",
}

func (k ResultKind) String() string {
	if s, ok := ResultKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("ResultKind(%d)", uint8(k))
}

// LookupResult is the outcome of a single lookup. Zone is set for every kind
// except NotAuthoritative. For CNAME, RRsets holds the single CNAME RRset and
// Target its target name.
type LookupResult struct {
	Kind     ResultKind
	Zone     *Zone
	RRsets   []*RRset
	Target   string
	Wildcard bool // the answer was synthesised from a wildcard
}
