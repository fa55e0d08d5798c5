package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJID_Parts(t *testing.T) {
	tests := []struct {
		jid      JID
		bare     JID
		local    string
		domain   string
		resource string
	}{
		{"orange@conference.example.com/abcd", "orange@conference.example.com", "orange", "conference.example.com", "abcd"},
		{"orange@conference.example.com", "orange@conference.example.com", "orange", "conference.example.com", ""},
		{"jvb1.example.com", "jvb1.example.com", "", "jvb1.example.com", ""},
		{"", "", "", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bare, tt.jid.Bare(), "bare of %q", tt.jid)
		assert.Equal(t, tt.local, tt.jid.Local(), "local of %q", tt.jid)
		assert.Equal(t, tt.domain, tt.jid.Domain(), "domain of %q", tt.jid)
		assert.Equal(t, tt.resource, tt.jid.Resource(), "resource of %q", tt.jid)
	}

	assert.Equal(t, JID("room@muc.example.com/focus"), JID("room@muc.example.com/old").WithResource("focus"))
	assert.Equal(t, JID("room@muc.example.com"), JID("room@muc.example.com/old").WithResource(""))
}

func TestIQ_ResultSwapsAddresses(t *testing.T) {
	request := &IQ{ID: "r1", From: "client@example.com/web", To: "focus@example.com/focus", Type: IQTypeSet}

	resp, err := request.Result(nil)
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, request.To, resp.From)
	assert.Equal(t, request.From, resp.To)
	assert.Equal(t, IQTypeResult, resp.Type)
}

func TestStanzaError_ConditionAndText(t *testing.T) {
	e := NewStanzaError(ErrorTypeCancel, CondItemNotFound, "no such conference")
	assert.Equal(t, CondItemNotFound, e.Condition())
	assert.Equal(t, "no such conference", e.Text())

	_, ok := e.Reason("jitsi:colibri2")
	assert.False(t, ok)
}

func TestStanzaError_TextEscaping(t *testing.T) {
	e := NewStanzaError(ErrorTypeModify, CondBadRequest, `bad <thing> & "stuff"`)
	assert.Equal(t, `bad <thing> & "stuff"`, e.Text())
}

func TestStanzaError_Reason(t *testing.T) {
	e := NewStanzaError(ErrorTypeCancel, CondItemNotFound, "").
		WithReason("jitsi:colibri2", "error", "conference-not-found")

	reason, ok := e.Reason("jitsi:colibri2")
	require.True(t, ok)
	assert.Equal(t, "conference-not-found", reason)

	// The defined condition survives alongside the application element.
	assert.Equal(t, CondItemNotFound, e.Condition())
}

func TestStanzaError_NilAccessors(t *testing.T) {
	var e *StanzaError
	assert.Empty(t, e.Condition())
	assert.Empty(t, e.Text())
	_, ok := e.Reason("jitsi:colibri2")
	assert.False(t, ok)
}

func TestPayloadName(t *testing.T) {
	iq := &IQ{Payload: []byte(`<jingle xmlns="urn:xmpp:jingle:1" action="session-accept"/>`)}
	name, ok := iq.PayloadName()
	require.True(t, ok)
	assert.Equal(t, "urn:xmpp:jingle:1", name.Space)
	assert.Equal(t, "jingle", name.Local)

	empty := &IQ{}
	_, ok = empty.PayloadName()
	assert.False(t, ok)
}
