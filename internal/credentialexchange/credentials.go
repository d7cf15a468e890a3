package credentialexchange

import "time"

// Credentials is a temporary credential set issued by the federation
// endpoint. Expiration is kept as the raw timestamp string from the
// response; staleness questions go through IsExpired. Callers discard and
// re-exchange rather than mutate.
type Credentials struct {
	Version      int    `json:"Version,omitempty"`
	AccessKey    string `json:"AccessKeyId"`
	SecretKey    string `json:"SecretAccessKey"`
	SessionToken string `json:"SessionToken"`
	Expiration   string `json:"Expiration"`
}

// IsExpired reports whether the credential set has lapsed. An expiration
// that does not parse as a timezone-aware instant counts as expired,
// forcing renewal rather than risking a signed call with bad credentials.
func (c *Credentials) IsExpired() bool {
	if c == nil {
		return true
	}
	exp, err := time.Parse(time.RFC3339, c.Expiration)
	if err != nil {
		return true
	}
	return !exp.After(time.Now())
}

// ExpiresWithin returns true if less than the specified number of seconds
// remains before expiry, false if there is still enough time left before
// needing to recycle credentials.
func (c *Credentials) ExpiresWithin(seconds int) bool {
	if c == nil {
		return true
	}
	exp, err := time.Parse(time.RFC3339, c.Expiration)
	if err != nil {
		return true
	}
	return time.Until(exp).Seconds() < float64(seconds)
}
