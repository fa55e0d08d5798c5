package xmpp

import "strings"

// JID is an XMPP address of the form local@domain/resource. The focus only
// needs splitting and bare-form comparison, not full JID normalization.
type JID string

// Bare strips the resource part.
func (j JID) Bare() JID {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return j[:i]
	}
	return j
}

// Resource returns the part after the first '/', or "" when absent.
func (j JID) Resource() string {
	if i := strings.IndexByte(string(j), '/'); i >= 0 {
		return string(j[i+1:])
	}
	return ""
}

// Local returns the part before '@', or "" when absent.
func (j JID) Local() string {
	bare := string(j.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[:i]
	}
	return ""
}

// Domain returns the host part.
func (j JID) Domain() string {
	bare := string(j.Bare())
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}

// WithResource returns the bare JID extended with the given resource.
func (j JID) WithResource(resource string) JID {
	if resource == "" {
		return j.Bare()
	}
	return j.Bare() + JID("/"+resource)
}

func (j JID) String() string {
	return string(j)
}
