package session

import (
	"strings"
	"sync"
)

// Identity is who the storefront is acting for. The zero value is anonymous.
type Identity struct {
	Email string
}

func Anonymous() Identity {
	return Identity{}
}

func Authenticated(email string) Identity {
	return Identity{Email: strings.ToLower(strings.TrimSpace(email))}
}

func (i Identity) IsAuthenticated() bool {
	return i.Email != ""
}

func (i Identity) String() string {
	if !i.IsAuthenticated() {
		return "anonymous"
	}
	return i.Email
}

// Provider is the auth collaborator that knows the signed-in user.
type Provider interface {
	CurrentEmail() (string, bool)
}

// Current reads the identity from p.
func Current(p Provider) Identity {
	email, ok := p.CurrentEmail()
	if !ok {
		return Anonymous()
	}
	return Authenticated(email)
}

type TransitionKind int

const (
	None TransitionKind = iota
	Login
	Logout
	// Switch is a sign-in as a different account without signing out first.
	Switch
)

func (k TransitionKind) String() string {
	switch k {
	case Login:
		return "login"
	case Logout:
		return "logout"
	case Switch:
		return "switch"
	}
	return "none"
}

// Transition is an observed identity change. EventID is set for Login and
// Switch and increases with every sign-in.
type Transition struct {
	Kind    TransitionKind
	From    Identity
	To      Identity
	EventID uint64
}

// SignedIn reports whether the transition starts a new authenticated session.
func (t Transition) SignedIn() bool {
	return t.Kind == Login || t.Kind == Switch
}

// Tracker turns successive identity observations into transitions.
type Tracker struct {
	mu      sync.Mutex
	current Identity
	events  uint64
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Current() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Observe records id and returns the transition it caused.
func (t *Tracker) Observe(id Identity) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := t.peekLocked(id)
	t.commitLocked(tr)
	return tr
}

// Peek returns the transition id would cause without recording it. Peeking
// the same identity again yields the same EventID until Commit is called.
func (t *Tracker) Peek(id Identity) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peekLocked(id)
}

// Commit records a transition obtained from Peek.
func (t *Tracker) Commit(tr Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitLocked(tr)
}

func (t *Tracker) peekLocked(id Identity) Transition {
	id = Authenticated(id.Email)
	tr := Transition{From: t.current, To: id}
	switch {
	case id == t.current:
		tr.Kind = None
	case !t.current.IsAuthenticated():
		tr.Kind = Login
	case !id.IsAuthenticated():
		tr.Kind = Logout
	default:
		tr.Kind = Switch
	}
	if tr.SignedIn() {
		tr.EventID = t.events + 1
	}
	return tr
}

func (t *Tracker) commitLocked(tr Transition) {
	if tr.EventID > t.events {
		t.events = tr.EventID
	}
	t.current = tr.To
}
