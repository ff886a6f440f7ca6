package macho

import "fmt"

// Code is a loader error tag. The loader never panics on malformed input;
// every API that can fail returns one of these.
type Code int

const (
	SUCCESS Code = iota
	BADMAGIC
	BADFILETYPE
	MALFORMED
	NOSYMTAB
	EXEC_UNSUPPORTED
	EXEC_NONCONTIGIOUS
	EXEC_UNEXPECTED_SEG
	OBJECT_BADSEGMENT
	BADRELOC
	OUTOFBOUNDS
	SYMBOL_NOT_FOUND
)

var codeNames = [...]string{
	SUCCESS:             "SUCCESS",
	BADMAGIC:            "BADMAGIC",
	BADFILETYPE:         "BADFILETYPE",
	MALFORMED:           "MALFORMED",
	NOSYMTAB:            "NOSYMTAB",
	EXEC_UNSUPPORTED:    "EXEC_UNSUPPORTED",
	EXEC_NONCONTIGIOUS:  "EXEC_NONCONTIGIOUS",
	EXEC_UNEXPECTED_SEG: "EXEC_UNEXPECTED_SEG",
	OBJECT_BADSEGMENT:   "OBJECT_BADSEGMENT",
	BADRELOC:            "BADRELOC",
	OUTOFBOUNDS:         "OUTOFBOUNDS",
	SYMBOL_NOT_FOUND:    "SYMBOL_NOT_FOUND",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Error wraps a Code with the context the loader had when it happened. It
// satisfies the error interface so call sites can use the usual Go idiom,
// while the Code field lets a caller branch on the taxonomy from §7 without
// string matching.
type Error struct {
	Code Code
	Off  int64       // byte offset in the source image, -1 if not applicable
	Msg  string
	Val  interface{} // offending value, if useful for a diagnostic
}

func (e *Error) Error() string {
	if e.Off >= 0 {
		if e.Val != nil {
			return fmt.Sprintf("%s: %s (%v) at offset %#x", e.Code, e.Msg, e.Val, e.Off)
		}
		return fmt.Sprintf("%s: %s at offset %#x", e.Code, e.Msg, e.Off)
	}
	if e.Val != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Msg, e.Val)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func newError(code Code, off int64, msg string, val interface{}) *Error {
	return &Error{Code: code, Off: off, Msg: msg, Val: val}
}

// CodeOf extracts the Code carried by err, or SUCCESS if err is nil, or
// MALFORMED if err is some other error type entirely.
func CodeOf(err error) Code {
	if err == nil {
		return SUCCESS
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return MALFORMED
}
