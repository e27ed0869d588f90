// Package speech turns TTS timing data into speech-driven mouth state.
// The engine never drives audio playback; a speech provider hands it a
// viseme timeline and the time playback started.
package speech

import (
	"strings"
	"time"
)

// Viseme is one of the 15 Oculus lip-sync visemes.
type Viseme int

const (
	VisemeSil Viseme = iota // silence
	VisemePP                // p, b, m
	VisemeFF                // f, v
	VisemeTH                // th
	VisemeDD                // t, d
	VisemeKK                // k, g
	VisemeCH                // ch, j, sh
	VisemeSS                // s, z
	VisemeNN                // n, l
	VisemeRR                // r
	VisemeAA                // a as in "father"
	VisemeE                 // e as in "bed"
	VisemeIH                // i as in "sit"
	VisemeOH                // o as in "go"
	VisemeOU                // u as in "boot"
)

// Event is one viseme starting Time milliseconds into playback.
type Event struct {
	Viseme Viseme  `json:"visemeId"`
	Time   float64 `json:"time"`
	Weight float64 `json:"weight"`
}

func (e Event) At() time.Duration {
	return time.Duration(e.Time * float64(time.Millisecond))
}

// Timeline is a complete lip-sync track. Duration is in milliseconds.
type Timeline struct {
	Events   []Event `json:"events"`
	Duration float64 `json:"duration"`
}

func (t Timeline) Length() time.Duration {
	return time.Duration(t.Duration * float64(time.Millisecond))
}

var phonemeViseme = map[string]Viseme{
	"p": VisemePP, "b": VisemePP, "m": VisemePP,
	"f": VisemeFF, "v": VisemeFF,
	"th": VisemeTH,
	"t":  VisemeDD, "d": VisemeDD,
	"k": VisemeKK, "g": VisemeKK, "c": VisemeKK, "q": VisemeKK, "x": VisemeKK,
	"ch": VisemeCH, "j": VisemeCH, "sh": VisemeCH,
	"s": VisemeSS, "z": VisemeSS,
	"n": VisemeNN, "l": VisemeNN,
	"r": VisemeRR,
	"a": VisemeAA, "h": VisemeAA,
	"e": VisemeE,
	"i": VisemeIH, "y": VisemeIH,
	"o": VisemeOH,
	"u": VisemeOU, "w": VisemeOU,
}

func isVowel(ch byte) bool {
	switch ch {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// FromText approximates a timeline from raw text when the TTS provider
// gives no phoneme timing. The result is stretched to at least minDuration.
func FromText(text string, minDuration time.Duration) Timeline {
	clean := strings.ToLower(strings.TrimSpace(text))
	if clean == "" {
		return Timeline{Events: []Event{{Viseme: VisemeSil, Weight: 1}}}
	}

	events := make([]Event, 0, len(clean)/2+2)
	events = append(events, Event{Viseme: VisemeSil, Time: 0, Weight: 1})
	now := 50.0

	chars := []byte(clean)
	for i := 0; i < len(chars); i++ {
		ch := chars[i]
		switch ch {
		case ' ', '\n', '\t':
			events = append(events, Event{Viseme: VisemeSil, Time: now, Weight: 0.5})
			now += 80
			continue
		case '.', '!', '?':
			events = append(events, Event{Viseme: VisemeSil, Time: now, Weight: 1})
			now += 150
			continue
		case ',', ';', ':':
			events = append(events, Event{Viseme: VisemeSil, Time: now, Weight: 0.7})
			now += 100
			continue
		}

		phoneme := string(ch)
		if i < len(chars)-1 {
			switch d := string(chars[i : i+2]); d {
			case "th", "ch", "sh":
				phoneme = d
				i++
			}
		}
		v, ok := phonemeViseme[phoneme]
		if !ok {
			v = VisemeSil
		}

		length := 60.0
		if isVowel(ch) {
			length = 100
		} else if ch == 's' || ch == 'z' || ch == 'f' || ch == 'v' {
			length = 80
		}
		events = append(events, Event{Viseme: v, Time: now, Weight: 0.8})
		now += length
	}

	events = append(events, Event{Viseme: VisemeSil, Time: now, Weight: 1})
	total := now + 50
	if ms := float64(minDuration.Milliseconds()); ms > total {
		total = ms
	}
	return Timeline{Events: events, Duration: total}
}

// FromWordTimestamps spreads each word's visemes evenly over its spoken
// span. Times are in seconds.
func FromWordTimestamps(words []string, starts, ends []float64) Timeline {
	events := []Event{{Viseme: VisemeSil, Time: 0, Weight: 1}}
	var last float64

	for i, word := range words {
		if i >= len(starts) || i >= len(ends) {
			break
		}
		startMs, endMs := starts[i]*1000, ends[i]*1000
		if endMs > last {
			last = endMs
		}
		seq := wordVisemes(word)
		if len(seq) == 0 {
			continue
		}
		step := (endMs - startMs) / float64(len(seq))
		for j, v := range seq {
			events = append(events, Event{Viseme: v, Time: startMs + float64(j)*step, Weight: 0.8})
		}
		events = append(events, Event{Viseme: VisemeSil, Time: endMs, Weight: 0.3})
	}

	if last == 0 {
		return Timeline{Events: events[:1]}
	}
	events = append(events, Event{Viseme: VisemeSil, Time: last + 50, Weight: 1})
	return Timeline{Events: events, Duration: last + 100}
}

func wordVisemes(word string) []Viseme {
	chars := []byte(strings.ToLower(word))
	out := make([]Viseme, 0, len(chars))
	for i := 0; i < len(chars); i++ {
		ch := chars[i]
		if ch < 'a' || ch > 'z' {
			continue
		}
		phoneme := string(ch)
		if i < len(chars)-1 {
			switch d := string(chars[i : i+2]); d {
			case "th", "ch", "sh":
				phoneme = d
				i++
			}
		}
		v, ok := phonemeViseme[phoneme]
		if !ok {
			v = VisemeAA
		}
		if len(out) > 0 && out[len(out)-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}
