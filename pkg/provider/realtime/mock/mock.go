// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream from the test and inspect which methods
// the lanes and the session runtime invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Type: realtime.EventCommitted})
package mock

import (
	"context"
	"sync"

	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new default
	// Session with a buffered event channel.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is the audio chunk passed to SendAudio, with Data copied.
	Chunk audio.Chunk
}

// CommitAudioCall records a single invocation of Session.CommitAudio.
type CommitAudioCall struct {
	// Ctx is the context passed to CommitAudio.
	Ctx context.Context
}

// SetVoiceModeCall records a single invocation of Session.SetVoiceMode.
type SetVoiceModeCall struct {
	// Mode is the voice mode passed to SetVoiceMode.
	Mode realtime.VoiceMode
}

// SetConversationContextCall records a single invocation of
// Session.SetConversationContext.
type SetConversationContextCall struct {
	// Text is the context text passed to SetConversationContext.
	Text string
}

// Session is a mock implementation of realtime.Session. Tests feed upstream
// events through [Session.Emit] and close the stream with
// [Session.CloseEvents].
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel;
	// NewSession creates it with a buffer of 64.
	EventsCh chan realtime.Event

	// --- Configurable results ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CommitResult is the boolean returned by CommitAudio.
	CommitResult bool

	// CommitErr, if non-nil, is returned as the error from CommitAudio.
	CommitErr error

	// ClearAudioErr, if non-nil, is returned by every ClearAudio call.
	ClearAudioErr error

	// CancelErr, if non-nil, is returned by every Cancel call.
	CancelErr error

	// SetVoiceModeErr, if non-nil, is returned by every SetVoiceMode call.
	SetVoiceModeErr error

	// SetConversationContextErr, if non-nil, is returned by every
	// SetConversationContext call.
	SetConversationContextErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CommitAudioCalls records every call to CommitAudio in order.
	CommitAudioCalls []CommitAudioCall

	// ClearAudioCallCount is the number of times ClearAudio was called.
	ClearAudioCallCount int

	// CancelCallCount is the number of times Cancel was called.
	CancelCallCount int

	// SetVoiceModeCalls records every call to SetVoiceMode in order.
	SetVoiceModeCalls []SetVoiceModeCall

	// SetConversationContextCalls records every call to
	// SetConversationContext in order.
	SetConversationContextCalls []SetConversationContextCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession returns a Session with a buffered event channel, ready for use.
func NewSession() *Session {
	return &Session{
		EventsCh:     make(chan realtime.Event, 64),
		CommitResult: true,
	}
}

// Emit pushes one event onto the session's event stream. It panics if the
// buffer is full, which in tests points at a missing consumer.
func (s *Session) Emit(evt realtime.Event) {
	s.EventsCh <- evt
}

// CloseEvents closes the event stream, signalling session end to consumers.
// Safe to call multiple times.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk audio.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := chunk
	cp.Data = make([]byte, len(chunk.Data))
	copy(cp.Data, chunk.Data)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// CommitAudio records the call and returns CommitResult, CommitErr.
func (s *Session) CommitAudio(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitAudioCalls = append(s.CommitAudioCalls, CommitAudioCall{Ctx: ctx})
	return s.CommitResult, s.CommitErr
}

// ClearAudio records the call and returns ClearAudioErr.
func (s *Session) ClearAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearAudioCallCount++
	return s.ClearAudioErr
}

// Cancel records the call and returns CancelErr.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// SetVoiceMode records the call and returns SetVoiceModeErr.
func (s *Session) SetVoiceMode(mode realtime.VoiceMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetVoiceModeCalls = append(s.SetVoiceModeCalls, SetVoiceModeCall{Mode: mode})
	return s.SetVoiceModeErr
}

// SetConversationContext records the call and returns
// SetConversationContextErr.
func (s *Session) SetConversationContext(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetConversationContextCalls = append(s.SetConversationContextCalls, SetConversationContextCall{Text: text})
	return s.SetConversationContextErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event {
	return s.EventsCh
}

// Close records the call, closes the event stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CommitAudioCalls = nil
	s.ClearAudioCallCount = 0
	s.CancelCallCount = 0
	s.SetVoiceModeCalls = nil
	s.SetConversationContextCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
