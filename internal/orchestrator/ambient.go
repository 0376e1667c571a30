package orchestrator

import (
	"sync"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
)

// DefaultAvatarIdleDelay is how long the avatar keeps speaking after a reply.
const DefaultAvatarIdleDelay = 3 * time.Second

// Ambient holds the student's mood and the avatar animation state.
type Ambient struct {
	mu        sync.Mutex
	mood      domain.Mood
	avatar    domain.AvatarState
	idleDelay time.Duration
	timer     *time.Timer
	gen       uint64
	stopped   bool
	onChange  func(domain.Mood, domain.AvatarState)
}

// NewAmbient creates an idle ambient context. onChange, if set, is called
// after every change outside the lock.
func NewAmbient(idleDelay time.Duration, onChange func(domain.Mood, domain.AvatarState)) *Ambient {
	if idleDelay <= 0 {
		idleDelay = DefaultAvatarIdleDelay
	}
	return &Ambient{
		avatar:    domain.AvatarIdle,
		idleDelay: idleDelay,
		onChange:  onChange,
	}
}

// State returns the current mood and avatar state.
func (a *Ambient) State() (domain.Mood, domain.AvatarState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mood, a.avatar
}

// SetMood replaces the current mood. Unknown moods are ignored.
func (a *Ambient) SetMood(m domain.Mood) {
	if !m.Known() {
		return
	}
	a.mu.Lock()
	if a.mood == m {
		a.mu.Unlock()
		return
	}
	a.mood = m
	mood, avatar := a.mood, a.avatar
	a.mu.Unlock()
	a.notify(mood, avatar)
}

// Listening marks the avatar as listening and cancels a pending idle reset.
func (a *Ambient) Listening() {
	a.set(domain.AvatarListening, false)
}

// Speaking marks the avatar as speaking and schedules the idle reset.
func (a *Ambient) Speaking() {
	a.set(domain.AvatarSpeaking, true)
}

// Stop cancels a pending idle reset. Later transitions no longer schedule one.
func (a *Ambient) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Ambient) set(state domain.AvatarState, scheduleIdle bool) {
	a.mu.Lock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.avatar = state
	if scheduleIdle && !a.stopped {
		gen := a.gen
		a.timer = time.AfterFunc(a.idleDelay, func() { a.resetIdle(gen) })
	}
	mood, avatar := a.mood, a.avatar
	a.mu.Unlock()
	a.notify(mood, avatar)
}

func (a *Ambient) resetIdle(gen uint64) {
	a.mu.Lock()
	// A newer transition superseded this reset.
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.avatar = domain.AvatarIdle
	mood := a.mood
	a.mu.Unlock()
	a.notify(mood, domain.AvatarIdle)
}

func (a *Ambient) notify(mood domain.Mood, avatar domain.AvatarState) {
	if a.onChange != nil {
		a.onChange(mood, avatar)
	}
}
