// Package loggingtest provides an in-memory logger with subscriptions
// for tests that expect certain log entries to appear.
package loggingtest

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

type logSubscription struct {
	exp      string
	n        int
	response chan<- struct{}
}

type logWatch struct {
	entries []string
	reqs    []*logSubscription
}

// Logger collects log entries and allows waiting for expected ones.
type Logger struct {
	save   chan string
	notify chan logSubscription
	clear  chan struct{}
	quit   chan struct{}
}

// ErrWaitTimeout is returned when an expected entry did not arrive in
// time.
var ErrWaitTimeout = errors.New("timeout")

func (lw *logWatch) save(e string) {
	lw.entries = append(lw.entries, e)
	for i := len(lw.reqs) - 1; i >= 0; i-- {
		req := lw.reqs[i]
		if strings.Contains(e, req.exp) {
			req.n--
			if req.n <= 0 {
				close(req.response)
				lw.reqs = append(lw.reqs[:i], lw.reqs[i+1:]...)
			}
		}
	}
}

func (lw *logWatch) notify(req logSubscription) {
	for i := len(lw.entries) - 1; i >= 0; i-- {
		if strings.Contains(lw.entries[i], req.exp) {
			req.n--
			if req.n == 0 {
				break
			}
		}
	}

	if req.n <= 0 {
		close(req.response)
	} else {
		lw.reqs = append(lw.reqs, &req)
	}
}

func (lw *logWatch) clear() {
	lw.entries = nil
	lw.reqs = nil
}

// New returns a started test logger.
func New() *Logger {
	lw := &logWatch{}
	tl := &Logger{
		save:   make(chan string),
		notify: make(chan logSubscription),
		clear:  make(chan struct{}),
		quit:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case e := <-tl.save:
				lw.save(e)
			case req := <-tl.notify:
				lw.notify(req)
			case <-tl.clear:
				lw.clear()
			case <-tl.quit:
				return
			}
		}
	}()

	return tl
}

func (tl *Logger) logf(f string, a ...interface{}) {
	log.Printf(f, a...)
	select {
	case tl.save <- fmt.Sprintf(f, a...):
	case <-tl.quit:
	}
}

func (tl *Logger) log(a ...interface{}) {
	log.Println(a...)
	select {
	case tl.save <- fmt.Sprint(a...):
	case <-tl.quit:
	}
}

// WaitForN waits until the expression has appeared n times, or times
// out.
func (tl *Logger) WaitForN(exp string, n int, to time.Duration) error {
	found := make(chan struct{}, 1)
	tl.notify <- logSubscription{exp, n, found}

	select {
	case <-found:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

// WaitFor waits until the expression has appeared once, or times out.
func (tl *Logger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Reset discards the collected entries.
func (tl *Logger) Reset() {
	tl.clear <- struct{}{}
}

// Close stops the logger.
func (tl *Logger) Close() {
	close(tl.quit)
}

func (tl *Logger) Error(a ...interface{})            { tl.log(a...) }
func (tl *Logger) Errorf(f string, a ...interface{}) { tl.logf(f, a...) }
func (tl *Logger) Warn(a ...interface{})             { tl.log(a...) }
func (tl *Logger) Warnf(f string, a ...interface{})  { tl.logf(f, a...) }
func (tl *Logger) Info(a ...interface{})             { tl.log(a...) }
func (tl *Logger) Infof(f string, a ...interface{})  { tl.logf(f, a...) }
func (tl *Logger) Debug(a ...interface{})            { tl.log(a...) }
func (tl *Logger) Debugf(f string, a ...interface{}) { tl.logf(f, a...) }
