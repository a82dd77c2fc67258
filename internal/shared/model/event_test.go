package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsJobTerminal(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{"end", true},
		{"end_of_stream", true},
		{"stream_end", true},
		{"completed", true},
		{"complete", true},
		{"run_completed", true},
		{"done", true},
		{"error", true},
		{"run_error", true},
		{"failed", true},
		{"run_failed", true},
		{"Completed", false},
		{"ERROR", false},
		{"message", false},
		{"warning", false},
		{"", false},
		{"unknown_kind", false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			assert.Equal(t, tt.want, IsJobTerminal(Event{Kind: tt.kind}))
		})
	}
}

func TestHasTerminal(t *testing.T) {
	events := []Event{{Kind: "message"}, {Kind: "progress"}}
	assert.False(t, HasTerminal(events, nil))
	assert.False(t, HasTerminal(nil, IsJobTerminal))

	events = append(events, Event{Kind: "run_completed"})
	assert.True(t, HasTerminal(events, nil))

	onlyEnd := KindDetector("end")
	assert.False(t, HasTerminal(events, onlyEnd))
	assert.True(t, HasTerminal([]Event{{Kind: "end"}}, onlyEnd))
}

func TestCloneEvents(t *testing.T) {
	assert.Nil(t, CloneEvents(nil))

	src := []Event{{Kind: "a"}, {Kind: "b"}}
	dst := CloneEvents(src)
	dst[0].Kind = "changed"
	assert.Equal(t, "a", src[0].Kind)
}

func TestActivityEntryEqual(t *testing.T) {
	a := ActivityEntry{Actor: "agent", Status: "running", Message: "step 1"}
	b := a
	b.Raw = json.RawMessage(`{"x":1}`)
	assert.True(t, a.Equal(b))

	b.Message = "step 2"
	assert.False(t, a.Equal(b))
}

func TestActivityFromEvent(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  ActivityEntry
	}{
		{
			name:  "payload fields",
			event: Event{Kind: "activity", Payload: json.RawMessage(`{"actor":"planner","status":"running","message":"open page"}`)},
			want:  ActivityEntry{Actor: "planner", Status: "running", Message: "open page"},
		},
		{
			name:  "alternate field names",
			event: Event{Kind: "activity", Payload: json.RawMessage(`{"agent_name":"nav","status":"running","next_goal":"click"}`)},
			want:  ActivityEntry{Actor: "nav", Status: "running", Message: "click"},
		},
		{
			name:  "raw fallback",
			event: Event{Kind: "activity", Raw: json.RawMessage(`{"type":"activity","agent":"nav","status":"done","summary":"finished"}`)},
			want:  ActivityEntry{Actor: "nav", Status: "done", Message: "finished"},
		},
		{
			name:  "terminal kind implies done",
			event: Event{Kind: "completed", Payload: json.RawMessage(`{"message":"bye"}`)},
			want:  ActivityEntry{Status: "done", Message: "bye"},
		},
		{
			name:  "string payload is the message",
			event: Event{Kind: "activity", Payload: json.RawMessage(`"opening browser"`)},
			want:  ActivityEntry{Message: "opening browser"},
		},
		{
			name:  "no payload or raw",
			event: Event{Kind: "activity"},
			want:  ActivityEntry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ActivityFromEvent(tt.event)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %+v", got)
		})
	}
}

func TestActivityFromEvent_UndecodablePayload(t *testing.T) {
	raw := json.RawMessage(`{"type":"completed","data":[1,2]}`)
	got, err := ActivityFromEvent(Event{Seq: 7, Kind: "completed", Payload: json.RawMessage(`[1,2]`), Raw: raw})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq 7")

	assert.Equal(t, ActivityStatusDone, got.Status)
	assert.Empty(t, got.Actor)
	assert.JSONEq(t, string(raw), string(got.Raw))
}

func TestStreamStatusSettled(t *testing.T) {
	assert.False(t, StreamStatus{}.Settled())
	assert.True(t, StreamStatus{Complete: true}.Settled())
	assert.True(t, StreamStatus{Persistent: true}.Settled())
}
