/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package codec

import (
	"errors"
	"fmt"
)

type MalformedKind uint8

const (
	HeaderTooShort MalformedKind = iota + 1
	LabelTooLong
	NameTooLong
	CompressionLoop
	ForwardPointer
	TruncatedRdata
	UnknownTypeWithTruncatedRdata
	TruncatedMessage
	BadRdata
)

var MalformedKindToString = map[MalformedKind]string{
	HeaderTooShort:                "HeaderTooShort",
	LabelTooLong:                  "LabelTooLong",
	NameTooLong:                   "NameTooLong",
	CompressionLoop:               "CompressionLoop",
	ForwardPointer:                "ForwardPointer",
	TruncatedRdata:                "TruncatedRdata",
	UnknownTypeWithTruncatedRdata: "UnknownTypeWithTruncatedRdata",
	TruncatedMessage:              "TruncatedMessage",
	BadRdata:                      "BadRdata",
}

func (k MalformedKind) String() string {
	if s, ok := MalformedKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("MalformedKind(%d)", uint8(k))
}

// ErrMalformed matches every *MalformedError with errors.Is.
var ErrMalformed = errors.New("malformed DNS message")

// MalformedError reports why a message could not be decoded and where the
// decoder gave up.
type MalformedError struct {
	Kind   MalformedKind
	Offset int
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed DNS message: %s at offset %d: %v", e.Kind, e.Offset, e.Err)
	}
	return fmt.Sprintf("malformed DNS message: %s at offset %d", e.Kind, e.Offset)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func malformed(kind MalformedKind, off int) *MalformedError {
	return &MalformedError{Kind: kind, Offset: off}
}
