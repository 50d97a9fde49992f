package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIllegalTransition is returned when a status change is not allowed by the state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

type InjuryLevel int

const (
	InjuryNone InjuryLevel = iota
	InjuryMinor
	InjurySevere
	InjuryUnconscious
)

var injuryNames = [...]string{"none", "minor", "severe", "unconscious"}

func (l InjuryLevel) String() string {
	if l < 0 || int(l) >= len(injuryNames) {
		return fmt.Sprintf("injury(%d)", int(l))
	}
	return injuryNames[l]
}

// ParseInjury maps a wire name to an InjuryLevel.
func ParseInjury(s string) (InjuryLevel, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for i, n := range injuryNames {
		if n == k {
			return InjuryLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown injury level %q", s)
}

func (l InjuryLevel) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *InjuryLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseInjury(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

type VictimStatus int

const (
	VictimDetected VictimStatus = iota
	VictimAssigned
	VictimEnRoute
	VictimRescued
	VictimUnreachable
)

var victimStatusNames = [...]string{"detected", "assigned", "en_route", "rescued", "unreachable"}

func (s VictimStatus) String() string {
	if s < 0 || int(s) >= len(victimStatusNames) {
		return fmt.Sprintf("victim_status(%d)", int(s))
	}
	return victimStatusNames[s]
}

// Terminal is true for rescued only; unreachable victims are re-eligible on the next cycle.
func (s VictimStatus) Terminal() bool { return s == VictimRescued }

// victimTransitions lists allowed moves. rescued has no exits.
var victimTransitions = map[VictimStatus][]VictimStatus{
	VictimDetected:    {VictimAssigned, VictimUnreachable},
	VictimAssigned:    {VictimEnRoute, VictimDetected, VictimUnreachable, VictimAssigned, VictimRescued},
	VictimEnRoute:     {VictimRescued, VictimUnreachable, VictimDetected},
	VictimUnreachable: {VictimDetected},
}

// CanTransition reports whether from -> to is a legal victim move.
func (s VictimStatus) CanTransition(to VictimStatus) bool {
	for _, t := range victimTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves v to status to, or returns ErrIllegalTransition.
func (v *Victim) Transition(to VictimStatus) error {
	if !v.Status.CanTransition(to) {
		return fmt.Errorf("victim %s: %s -> %s: %w", v.ID, v.Status, to, ErrIllegalTransition)
	}
	v.Status = to
	if to == VictimDetected || to == VictimUnreachable {
		v.ResponderID = ""
	}
	return nil
}

func (s VictimStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *VictimStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range victimStatusNames {
		if n == name {
			*s = VictimStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown victim status %q", name)
}

type ResponderStatus int

const (
	ResponderIdle ResponderStatus = iota
	ResponderRouting
	ResponderReturning
)

var responderStatusNames = [...]string{"idle", "routing", "returning"}

func (s ResponderStatus) String() string {
	if s < 0 || int(s) >= len(responderStatusNames) {
		return fmt.Sprintf("responder_status(%d)", int(s))
	}
	return responderStatusNames[s]
}

// ParseResponderStatus maps a wire name to a ResponderStatus.
func ParseResponderStatus(s string) (ResponderStatus, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for i, n := range responderStatusNames {
		if n == k {
			return ResponderStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown responder status %q", s)
}

func (s ResponderStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ResponderStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseResponderStatus(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
