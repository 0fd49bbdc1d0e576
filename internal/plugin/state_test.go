package plugin

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateLive, "live"},
		{StateDraining, "draining"},
		{StateReleased, "released"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateIsUsable(t *testing.T) {
	if !StateLive.IsUsable() {
		t.Error("StateLive should be usable")
	}
	if StateDraining.IsUsable() || StateReleased.IsUsable() {
		t.Error("released states should not be usable")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		typ  EventType
		want string
	}{
		{EventLoaded, "loaded"},
		{EventReloaded, "reloaded"},
		{EventUnloaded, "unloaded"},
		{EventError, "error"},
		{EventType(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
