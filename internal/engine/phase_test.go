package engine

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParsePhase(t *testing.T) {
	cases := []struct {
		in   string
		want Phase
	}{
		{"waiting", PhaseWaiting},
		{"challenger_turn", PhaseChallengerTurn},
		{"complete", PhaseComplete},
		{"", PhaseUnset},
		{"overtime", PhaseUnknown},
		{"expired", PhaseUnknown}, // pseudo-phases are never parsed from the wire
	}
	for _, tc := range cases {
		if got := ParsePhase(tc.in); got != tc.want {
			t.Fatalf("ParsePhase(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestStoredBattleKeepsPhaseByName(t *testing.T) {
	raw, err := json.Marshal(Battle{ID: 3, Phase: PhaseJudging})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"judging"`) {
		t.Fatalf("phase not stored by name: %s", raw)
	}

	var back Battle
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Phase != PhaseJudging {
		t.Fatalf("got %v, want judging", back.Phase)
	}

	if _, err := Phase(200).MarshalText(); err == nil {
		t.Fatalf("out of range phase encoded")
	}
}

func TestEveryPhaseIsModeled(t *testing.T) {
	for _, p := range Phases() {
		_ = rank(p)
		for _, q := range Phases() {
			_ = Transition(p, q, SourceEvent)
			_ = Transition(p, q, SourceResync)
		}
		if p.IsServerPhase() && ParsePhase(p.String()) != p {
			t.Fatalf("%v does not round-trip", p)
		}
	}
}

func TestTransition(t *testing.T) {
	cases := []struct {
		name        string
		from, to    Phase
		src         Source
		want        Phase
		wantChanged bool
	}{
		{"first state", PhaseUnset, PhaseActive, SourceEvent, PhaseActive, true},
		{"repeated phase is a no-op", PhaseJudging, PhaseJudging, SourceEvent, PhaseJudging, false},
		{"forward", PhaseGenerating, PhaseJudging, SourceEvent, PhaseJudging, true},
		{"backward event ignored", PhaseReveal, PhaseGenerating, SourceEvent, PhaseReveal, false},
		{"backward resync accepted", PhaseJudging, PhaseActive, SourceResync, PhaseActive, true},
		{"complete is terminal for events", PhaseComplete, PhaseReveal, SourceEvent, PhaseComplete, false},
		{"complete is terminal for resync", PhaseComplete, PhaseWaiting, SourceResync, PhaseComplete, false},
		{"lateral play phases", PhaseActive, PhaseChallengerTurn, SourceEvent, PhaseChallengerTurn, true},
		{"turn to turn", PhaseChallengerTurn, PhaseOpponentTurn, SourceEvent, PhaseOpponentTurn, true},
		{"expired overridden by server", PhaseExpired, PhaseActive, SourceEvent, PhaseActive, true},
		{"unknown accepted", PhaseActive, PhaseUnknown, SourceEvent, PhaseUnknown, true},
		{"pseudo-phase never delivered", PhaseActive, PhaseExpired, SourceEvent, PhaseActive, false},
		{"unset ignored", PhaseActive, PhaseUnset, SourceResync, PhaseActive, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Transition(tc.from, tc.to, tc.src)
			if d.Phase != tc.want || d.Changed != tc.wantChanged {
				t.Fatalf("got %+v, want phase %v changed=%v", d, tc.want, tc.wantChanged)
			}
		})
	}
}

func TestCompleteNeverFollowedByAnotherPhase(t *testing.T) {
	for _, next := range Phases() {
		for _, src := range []Source{SourceEvent, SourceResync} {
			if d := Transition(PhaseComplete, next, src); d.Phase != PhaseComplete {
				t.Fatalf("complete -> %v via %v produced %v", next, src, d.Phase)
			}
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name string
		in   Presence
		want ParticipantStatus
	}{
		{"not joined", Presence{}, StatusIdle},
		{"connected", Presence{Joined: true, Connected: true}, StatusConnected},
		{"typing", Presence{Joined: true, Connected: true, Typing: true}, StatusTyping},
		{"dropped", Presence{Joined: true, Dropped: true}, StatusDisconnected},
		{"submitted outranks dropped", Presence{Joined: true, Dropped: true, Submitted: true}, StatusSubmitted},
		{"submitted outranks typing", Presence{Joined: true, Connected: true, Typing: true, Submitted: true}, StatusSubmitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.in); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
