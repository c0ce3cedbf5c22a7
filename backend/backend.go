// Package backend provides the page sessions the harvester drives: a
// request-based backend built on colly and goquery, and a browser backend
// built on go-rod.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrUnsupportedControl is returned by Click when the backend cannot
	// follow the control (for example a script-only link over plain HTTP).
	ErrUnsupportedControl = errors.New("backend: unsupported page control")
)

// Session is a stateful page handle. It is not safe for concurrent use.
type Session interface {
	// Navigate loads location, replacing the current page.
	Navigate(ctx context.Context, location string) error
	// WaitForLandmark reports whether selector appears within timeout. A
	// false result with a nil error means the element is absent; a non-nil
	// error means the page could not be inspected.
	WaitForLandmark(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	// ReadText returns the trimmed text of the first element matching selector.
	ReadText(ctx context.Context, selector string) (string, bool)
	// ReadAttribute returns attribute name of the first element matching selector.
	ReadAttribute(ctx context.Context, selector, name string) (string, bool)
	// ReadRawMarkup returns the outer HTML of the first element matching selector.
	ReadRawMarkup(ctx context.Context, selector string) (string, bool)
	Close() error
}

// Control is a navigable element located on a listing page.
type Control interface {
	Target() string
}

// ListingSession is a Session that can also enumerate and follow listing
// controls.
type ListingSession interface {
	Session
	// ReadAllAttributes returns attribute name of every visible element
	// matching selector, in document order.
	ReadAllAttributes(ctx context.Context, selector, name string) []string
	FindPageControl(ctx context.Context, selector string) (Control, bool)
	Click(ctx context.Context, c Control) error
}

// Backend creates sessions. Sessions are created once per run and reused.
type Backend interface {
	NewSession(ctx context.Context) (Session, error)
	NewListingSession(ctx context.Context) (ListingSession, error)
	Close() error
}

// StatusError reports a response whose status prevents reading the page.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d (%s) for %s", e.Code, http.StatusText(e.Code), e.URL)
}
