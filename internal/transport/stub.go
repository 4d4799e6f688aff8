// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/tgcast/tgcast/internal/domain"
	"github.com/tgcast/tgcast/internal/secrets"
)

// Stub is an in-memory transport for tests and transport-less deployments.
// It consumes streams at a configurable pace and reports scripted
// participant counts.
type Stub struct {
	mu sync.Mutex

	// ValidCredentials holds the revealed credential strings Join and
	// Validate accept. Empty means accept everything.
	ValidCredentials map[string]bool

	// JoinErr, PlayErr and ValidateErr inject failures; wrap the sentinel
	// causes to exercise classification.
	JoinErr     error
	PlayErr     error
	ValidateErr error

	// ReadInterval paces stream consumption; zero drains as fast as the
	// stream delivers.
	ReadInterval time.Duration

	participants int
	sessions     []*StubSession
}

// SetParticipants scripts the listener count reported by every session.
func (s *Stub) SetParticipants(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = n
}

// Sessions returns the sessions handed out so far.
func (s *Stub) Sessions() []*StubSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*StubSession(nil), s.sessions...)
}

func (s *Stub) credentialOK(credential secrets.Material) bool {
	if len(s.ValidCredentials) == 0 {
		return true
	}
	return s.ValidCredentials[string(credential.Reveal())]
}

// Join hands out a stub session.
func (s *Stub) Join(_ context.Context, credential secrets.Material, chatTarget string, _ domain.StreamKind) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JoinErr != nil {
		return nil, s.JoinErr
	}
	if !s.credentialOK(credential) {
		return nil, ErrAuth
	}
	sess := &StubSession{stub: s, ChatTarget: chatTarget}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

// Validate checks the scripted credential set.
func (s *Stub) Validate(_ context.Context, credential secrets.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ValidateErr != nil {
		return s.ValidateErr
	}
	if !s.credentialOK(credential) {
		return ErrAuth
	}
	return nil
}

// AcceptedProfiles accepts opus audio and vp8 video.
func (s *Stub) AcceptedProfiles(kind domain.StreamKind) []string {
	if kind == domain.StreamVideo {
		return []string{"vp8", "opus"}
	}
	return []string{"opus"}
}

// StubSession is the session type handed out by Stub.
type StubSession struct {
	stub       *Stub
	ChatTarget string

	mu       sync.Mutex
	played   []string
	left     bool
}

// Played lists the profiles of streams driven to completion.
func (s *StubSession) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

// Left reports whether Leave was called.
func (s *StubSession) Left() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left
}

// Play drains src until EOF or cancellation.
func (s *StubSession) Play(ctx context.Context, src Stream) error {
	s.stub.mu.Lock()
	playErr := s.stub.PlayErr
	interval := s.stub.ReadInterval
	s.stub.mu.Unlock()
	if playErr != nil {
		return playErr
	}

	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := src.Read(buf)
		if err == io.EOF {
			s.mu.Lock()
			s.played = append(s.played, src.Profile())
			s.mu.Unlock()
			return nil
		}
		if err != nil {
			return err
		}
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// Participants reports the scripted count.
func (s *StubSession) Participants(context.Context) (int, error) {
	s.stub.mu.Lock()
	defer s.stub.mu.Unlock()
	return s.stub.participants, nil
}

// Leave marks the session closed.
func (s *StubSession) Leave(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left = true
	return nil
}
