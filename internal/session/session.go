// Package session holds the in-memory credential store and the refresh
// coordinator. Credentials are captured from a live browser login and are
// never written to disk.
package session

import "time"

// Session is one set of captured browser credentials. A Session is built
// once by the browser controller and replaced whole on refresh — nothing
// mutates an existing Session, so readers can use one without locking.
type Session struct {
	// Cookies and Headers are sent verbatim on every API request.
	Cookies map[string]string
	Headers map[string]string

	// Identity query parameters the iCloud web client attaches to every
	// docws call. Captured from the first authenticated request.
	ClientID              string
	DSID                  string
	ClientBuildNumber     string
	ClientMasteringNumber string

	CapturedAt      time.Time
	EstimatedExpiry time.Time
}

// Params returns the identity query parameters for a docws request.
func (s *Session) Params() map[string]string {
	return map[string]string{
		"clientBuildNumber":     s.ClientBuildNumber,
		"clientMasteringNumber": s.ClientMasteringNumber,
		"clientId":              s.ClientID,
		"dsid":                  s.DSID,
	}
}

// CookieHeader renders the cookie map as a Cookie header value.
func (s *Session) CookieHeader() string {
	header := ""
	for name, value := range s.Cookies {
		if header != "" {
			header += "; "
		}

		header += name + "=" + value
	}

	return header
}
