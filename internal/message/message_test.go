package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateTitle(t *testing.T) {
	long := strings.Repeat("a", 300)
	got := TruncateTitle(long)
	assert.Equal(t, 256, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("a", 253)+"...", got)

	exact := strings.Repeat("b", 256)
	assert.Equal(t, exact, TruncateTitle(exact))

	multi := strings.Repeat("ü", 300)
	got = TruncateTitle(multi)
	assert.Equal(t, 256, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, utf8.ValidString(got))
}

func TestNew(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := New(Build{
		UserID:    " u1 ",
		Title:     strings.Repeat("x", 300),
		DeliverOn: time.Date(2024, 3, 2, 8, 0, 0, 0, loc),
		Priority:  Medium,
		Source:    Source{Kind: "reminder", ID: "r1"},
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, time.UTC, m.DeliverOn.Location())
	assert.Equal(t, time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC), m.DeliverOn)
	assert.Len(t, []rune(m.Title), MaxTitleRunes)
	assert.True(t, m.Deliverable())
}

func TestNewRejectsMissingFields(t *testing.T) {
	_, err := New(Build{Title: "hi", DeliverOn: time.Now()}, time.Now())
	assert.Error(t, err)
	_, err = New(Build{UserID: "u", Title: "hi"}, time.Now())
	assert.Error(t, err)
	_, err = New(Build{UserID: "u", Title: "hi", DeliverOn: time.Now(), Priority: Priority(7)}, time.Now())
	assert.Error(t, err)
}

func TestPriorityText(t *testing.T) {
	for _, p := range Priorities {
		b, err := json.Marshal(p)
		require.NoError(t, err)
		var back Priority
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, p, back)
	}
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, Low, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
	_, err = Priority(5).MarshalText()
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	m := &Message{}
	assert.False(t, m.Expired(now))
	m.ExpireOn = now.Add(-time.Minute)
	assert.True(t, m.Expired(now))
}
