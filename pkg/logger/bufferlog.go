// Package logger implements a per-cycle in-memory log buffer.
//
// Detailed lines are buffered while a poll cycle runs.  If the cycle
// fails the buffer is replayed followed by the final error; if it
// succeeds the buffer is dropped and a single short line is printed.
//
// Thread safety comes from a dedicated logger goroutine and a command
// channel; no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	cycleID string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushError
	when    time.Time // timestamp, kept for ordering
}

// Buffered channel absorbs bursts from concurrent pollers.
var ch = make(chan cmd, 128)

// Begin starts buffering for a cycle.
func Begin(cycleID string) { ch <- cmd{act: actBegin, cycleID: cycleID, when: time.Now()} }

// Append adds a detailed log line to the cycle buffer.
func Append(cycleID, msg string) {
	ch <- cmd{act: actAppend, cycleID: cycleID, message: msg, when: time.Now()}
}

// Success drops the buffer and prints one short line.
func Success(cycleID, summary string) {
	ch <- cmd{act: actSuccess, cycleID: cycleID, summary: summary, when: time.Now()}
}

// FlushError replays the buffered lines followed by the final error.
func FlushError(cycleID string, err error) {
	ch <- cmd{act: actFlushErr, cycleID: cycleID, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.cycleID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.cycleID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message) // no buffer, print immediately
			}

		case actSuccess:
			log.Printf("[%-10s] ✔ %s", c.cycleID, c.summary)
			delete(buffers, c.cycleID)

		case actFlushErr:
			if b := buffers[c.cycleID]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.cycleID)
			}
			log.Printf("[%-10s][ERROR] %v", c.cycleID, c.err)
		}
	}
}
