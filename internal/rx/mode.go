package rx

import (
	"fmt"
	"strings"
)

// Mode selects which branches of the synchronizer a run may take.
type Mode int

const (
	// ModeLogAll streams every sample to the log sink without detection.
	ModeLogAll Mode = iota
	// ModeDetectAndLog records NumSymbols*NFFT samples after a detection.
	ModeDetectAndLog
	// ModeCFO stops after estimating the carrier frequency offset.
	ModeCFO
	// ModeBeacon stops as soon as the preamble is confirmed.
	ModeBeacon
	// ModeMeasureSingle measures one transmitter without a CFO stage.
	ModeMeasureSingle
	// ModeDetectStart measures one transmitter after a CFO stage.
	ModeDetectStart
	// ModeMeasureAll measures every transmitter, interleaved per chunk.
	ModeMeasureAll
	// ModeMeasureCurrent measures transmitter 0 while the others transmit.
	ModeMeasureCurrent
)

var modeNames = map[Mode]string{
	ModeLogAll:         "log-all",
	ModeDetectAndLog:   "detect-and-log",
	ModeCFO:            "cfo",
	ModeBeacon:         "beacon",
	ModeMeasureSingle:  "measure-single",
	ModeDetectStart:    "detect-start",
	ModeMeasureAll:     "measure-all",
	ModeMeasureCurrent: "measure-current",
}

var modeAliases = map[string]Mode{
	"hbase":      ModeMeasureSingle,
	"hij":        ModeMeasureAll,
	"hbase-curr": ModeMeasureCurrent,
	"log":        ModeLogAll,
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Modes lists every mode in declaration order.
func Modes() []Mode {
	out := make([]Mode, 0, len(modeNames))
	for m := ModeLogAll; m <= ModeMeasureCurrent; m++ {
		out = append(out, m)
	}
	return out
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "_", "-")
	for m, name := range modeNames {
		if name == key {
			return m, nil
		}
	}
	if m, ok := modeAliases[key]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("unsupported mode %q", s)
}

func (m Mode) valid() bool {
	_, ok := modeNames[m]
	return ok
}

// HasCFOStage reports whether confirmed detections go through CFO estimation.
func (m Mode) HasCFOStage() bool {
	switch m {
	case ModeCFO, ModeDetectStart, ModeMeasureAll, ModeMeasureCurrent:
		return true
	}
	return false
}

// Measures reports whether the mode produces a channel estimate.
func (m Mode) Measures() bool {
	switch m {
	case ModeMeasureSingle, ModeDetectStart, ModeMeasureAll, ModeMeasureCurrent:
		return true
	}
	return false
}
