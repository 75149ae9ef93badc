package search

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a QueryError.
type ErrorKind string

const (
	KindInvalidImageURL ErrorKind = "invalid_image_url"
	KindEmptyTerm       ErrorKind = "empty_term"
	KindLabelingFailed  ErrorKind = "labeling_failed"
	KindIndex           ErrorKind = "index"
	KindCatalog         ErrorKind = "catalog"
)

// QueryError is returned for every failed query. No partial results
// accompany it.
type QueryError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("search %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("search %s: %s", e.Kind, e.Detail)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsQueryError reports whether err carries a QueryError of the given kind.
func IsQueryError(err error, kind ErrorKind) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == kind
}

// KindOf returns the QueryError kind in err's chain, or "".
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}
