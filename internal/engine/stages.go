package engine

import (
	"strings"

	"stagegate/internal/domain"
)

var StageKeys = domain.StageKeys

func IsGate(s domain.StageKey) bool {
	return strings.HasSuffix(string(s), "-gate")
}

func IsStageKey(s domain.StageKey) bool {
	return stageIndex(s) >= 0
}

func stageIndex(s domain.StageKey) int {
	for i, k := range StageKeys {
		if k == s {
			return i
		}
	}
	return -1
}

// WorkingStages returns the non-gate keys in order.
func WorkingStages() []domain.StageKey {
	var out []domain.StageKey
	for _, k := range StageKeys {
		if !IsGate(k) {
			out = append(out, k)
		}
	}
	return out
}

// NextStage returns the working stage that follows s. Gates are skipped;
// the terminal stage has no successor.
func NextStage(s domain.StageKey) (domain.StageKey, bool) {
	i := stageIndex(s)
	if i < 0 {
		return "", false
	}
	for _, k := range StageKeys[i+1:] {
		if !IsGate(k) {
			return k, true
		}
	}
	return "", false
}

// GateForStage returns the gate guarding the exit from s, if the key right
// after s is a gate.
func GateForStage(s domain.StageKey) (domain.StageKey, bool) {
	i := stageIndex(s)
	if i < 0 || i+1 >= len(StageKeys) {
		return "", false
	}
	next := StageKeys[i+1]
	if !IsGate(next) {
		return "", false
	}
	return next, true
}
