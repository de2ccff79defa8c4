// Package ui renders progress of a run on a terminal
package ui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Spinner shows an animated line with a message while a run is in
// progress. Lines printed through Println appear above the spinner.
//
//	s := ui.NewSpinner(os.Stderr, "Applying stack...")
//	s.Start()
//	s.SetMessage("cluster: Applying")
//	s.Stop()
type Spinner struct {
	mu       sync.Mutex
	msg      string
	frames   []string
	interval time.Duration
	out      io.Writer
	ansi     bool
	color    string
	active   bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// SpinnerOption configures a Spinner.
type SpinnerOption func(*Spinner)

// WithInterval sets the frame interval.
func WithInterval(d time.Duration) SpinnerOption { return func(s *Spinner) { s.interval = d } }

// WithANSI forces ANSI escape sequences on or off.
func WithANSI(enabled bool) SpinnerOption { return func(s *Spinner) { s.ansi = enabled } }

// WithColor sets the ANSI color of the spinner frame, e.g. "36" for cyan.
func WithColor(code string) SpinnerOption { return func(s *Spinner) { s.color = code } }

func NewSpinner(out io.Writer, message string, opts ...SpinnerOption) *Spinner {
	s := &Spinner{
		msg:      message,
		frames:   []string{"⠋", "⠙", "⠚", "⠞", "⠖", "⠦", "⠴", "⠲", "⠳", "⠓"},
		interval: 90 * time.Millisecond,
		out:      out,
		ansi:     runtime.GOOS != "windows",
		color:    "36",
	}
	if s.out == nil {
		s.out = os.Stderr
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.ansi {
		s.frames = []string{"-", "\\", "|", "/"}
	}
	return s
}

// Start begins animating. Calling Start on a running spinner does nothing.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.ansi {
		fmt.Fprint(s.out, "\x1b[?25l")
	}
	go s.loop(s.stopCh, s.doneCh)
}

func (s *Spinner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		s.mu.Lock()
		s.draw(s.frames[i%len(s.frames)])
		s.mu.Unlock()

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// draw must be called with mu held
func (s *Spinner) draw(frame string) {
	if s.ansi {
		fmt.Fprintf(s.out, "\r\x1b[2K\x1b[%sm%s\x1b[0m %s", s.color, frame, s.msg)
		return
	}
	fmt.Fprintf(s.out, "\r%s %s", frame, s.msg)
}

// clear must be called with mu held
func (s *Spinner) clear() {
	if s.ansi {
		fmt.Fprint(s.out, "\r\x1b[2K")
		return
	}
	fmt.Fprint(s.out, "\r"+strings.Repeat(" ", len(s.msg)+4)+"\r")
}

// Stop clears the spinner line. Stopping an idle spinner does nothing.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	if s.ansi {
		fmt.Fprint(s.out, "\x1b[?25h")
	}
}

// SetMessage replaces the text next to the spinner
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msg = msg
}

// Println prints a line above the spinner
func (s *Spinner) Println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.clear()
	}
	fmt.Fprintln(s.out, line)
}

func (s *Spinner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
