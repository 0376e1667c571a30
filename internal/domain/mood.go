package domain

import "time"

// Mood is the student's current vibe.
type Mood string

const (
	MoodCalm     Mood = "calm"
	MoodHappy    Mood = "happy"
	MoodStressed Mood = "stressed"
	MoodAnxious  Mood = "anxious"
	MoodSad      Mood = "sad"
	MoodAngry    Mood = "angry"
	MoodTired    Mood = "tired"
)

// Moods lists the vibes offered by the journal picker.
var Moods = []Mood{MoodCalm, MoodHappy, MoodStressed, MoodAnxious, MoodSad, MoodAngry, MoodTired}

// Known reports whether m is one of Moods.
func (m Mood) Known() bool {
	for _, k := range Moods {
		if m == k {
			return true
		}
	}
	return false
}

// AvatarState is the companion avatar's animation state.
type AvatarState string

const (
	AvatarIdle      AvatarState = "idle"
	AvatarListening AvatarState = "listening"
	AvatarSpeaking  AvatarState = "speaking"
)

// JournalEntry is a private journal note stamped with the mood at writing time.
type JournalEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Mood      Mood      `json:"mood"`
	Text      string    `json:"text"`
}
