package audit

import (
	"testing"
	"time"

	"github.com/davidleathers/dependable-audit-engine/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		ID:          uuid.MustParse("7b0c1a52-3f6e-4b1e-9a57-2f7f1f6a4c01"),
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC),
		EventType:   EventUserAction,
		Category:    "auth",
		Severity:    SeverityLow,
		Action:      "LOGIN",
		Description: "user login",
		Actor:       &Actor{UserID: "user-1", SessionID: "sess-1", Role: "admin"},
		Resource:    &Resource{Type: "account", ID: "acct-9", Name: "primary"},
		Outcome:     OutcomeSuccess,
		Metadata: Metadata{
			"ip":      StringValue("10.0.0.1"),
			"attempt": IntValue(1),
		},
		Tags: []string{"web", "auth"},
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(e *Event)
		wantCode string
	}{
		{"valid", func(e *Event) {}, ""},
		{"missing event type", func(e *Event) { e.EventType = "" }, "MISSING_EVENT_TYPE"},
		{"unknown event type", func(e *Event) { e.EventType = "BOGUS" }, "INVALID_EVENT_TYPE"},
		{"missing category", func(e *Event) { e.Category = "  " }, "MISSING_CATEGORY"},
		{"missing action", func(e *Event) { e.Action = "" }, "MISSING_ACTION"},
		{"missing description", func(e *Event) { e.Description = "" }, "MISSING_DESCRIPTION"},
		{"bad severity", func(e *Event) { e.Severity = "SEVERE" }, "INVALID_SEVERITY"},
		{"bad outcome", func(e *Event) { e.Outcome = "MAYBE" }, "INVALID_OUTCOME"},
		{"resource without type", func(e *Event) { e.Resource = &Resource{ID: "x"} }, "MISSING_RESOURCE_TYPE"},
		{"empty tag", func(e *Event) { e.Tags = []string{""} }, "INVALID_TAG"},
		{"metadata too deep", func(e *Event) {
			e.Metadata = Metadata{"a": MapValue(Metadata{"b": MapValue(Metadata{"c": MapValue(Metadata{"d": MapValue(Metadata{"e": IntValue(1)})})})})}
		}, "INVALID_METADATA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, errors.ErrorTypeValidation, appErr.Type)
		})
	}
}

func TestEventNormalize(t *testing.T) {
	e := validEvent()
	e.Severity = ""
	e.Outcome = ""
	e.Tags = []string{"web", " auth", "web"}
	e.Timestamp = time.Date(2024, 3, 1, 13, 0, 0, 999, time.FixedZone("CET", 3600))

	e.Normalize()

	assert.Equal(t, SeverityLow, e.Severity)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, "AUTH", e.Category)
	assert.Equal(t, []string{"auth", "web"}, e.Tags)
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, 0, e.Timestamp.Nanosecond()%1000)
	assert.Equal(t, 12, e.Timestamp.Hour())
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	a := validEvent()
	b := validEvent()
	b.Tags = []string{"auth", "web"}

	ca, err := a.CanonicalBytes()
	require.NoError(t, err)
	cb, err := b.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)

	for i := 0; i < 20; i++ {
		again, err := a.CanonicalBytes()
		require.NoError(t, err)
		assert.Equal(t, ca, again)
	}
}

func TestCanonicalBytesExcludesIntegrityFields(t *testing.T) {
	e := validEvent()
	before, err := e.CanonicalBytes()
	require.NoError(t, err)

	verified := true
	e.Checksum = "sha256:abc"
	e.Signature = "key:sig"
	e.IntegrityVerified = &verified

	after, err := e.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCanonicalBytesCoversEveryField(t *testing.T) {
	mutations := map[string]func(e *Event){
		"id":            func(e *Event) { e.ID = uuid.New() },
		"timestamp":     func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"event type":    func(e *Event) { e.EventType = EventDataChange },
		"category":      func(e *Event) { e.Category = "DATA" },
		"severity":      func(e *Event) { e.Severity = SeverityHigh },
		"action":        func(e *Event) { e.Action = "LOGOUT" },
		"description":   func(e *Event) { e.Description = "user logout" },
		"actor":         func(e *Event) { e.Actor.UserID = "user-2" },
		"actor removed": func(e *Event) { e.Actor = nil },
		"resource":      func(e *Event) { e.Resource.Name = "secondary" },
		"outcome":       func(e *Event) { e.Outcome = OutcomeFailure },
		"error code":    func(e *Event) { e.ErrorCode = "E42" },
		"error message": func(e *Event) { e.ErrorMessage = "denied" },
		"delta":         func(e *Event) { e.Delta = &Delta{ChangedFields: []string{"email"}} },
		"metadata":      func(e *Event) { e.Metadata["attempt"] = IntValue(2) },
		"metadata kind": func(e *Event) { e.Metadata["attempt"] = FloatValue(1) },
		"tags":          func(e *Event) { e.Tags = append(e.Tags, "mobile") },
	}

	base, err := validEvent().CanonicalBytes()
	require.NoError(t, err)

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := validEvent()
			mutate(e)
			got, err := e.CanonicalBytes()
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestEventClone(t *testing.T) {
	e := validEvent()
	e.Delta = &Delta{
		OldValues:     Metadata{"email": StringValue("a@example.com")},
		NewValues:     Metadata{"email": StringValue("b@example.com")},
		ChangedFields: []string{"email"},
	}

	c := e.Clone()
	c.Actor.UserID = "other"
	c.Metadata["ip"] = StringValue("changed")
	c.Delta.ChangedFields[0] = "phone"
	c.Tags[0] = "changed"

	assert.Equal(t, "user-1", e.Actor.UserID)
	assert.Equal(t, "10.0.0.1", e.Metadata["ip"].Str)
	assert.Equal(t, "email", e.Delta.ChangedFields[0])
	assert.Equal(t, "web", e.Tags[0])
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())

	s, err := ParseSeverity(" critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)
}
