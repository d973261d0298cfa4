package snap

import (
	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/protocol"
)

// The read-lock arbiter keeps snapshot reads that resolve to the origin
// coherent against origin writes. A snapshot reader holds the chunk's lock
// until it finishes reading; an origin write that copies the chunk out
// parks its acknowledgment as a waiter and the reply fires when the last
// overlapping reader drains.

// Replier delivers replies to a client connection. Implemented by the
// server's connection type; tests use in-memory sinks.
type Replier interface {
	Reply(m protocol.Message) error
}

// Client identifies one connection to the engine.
type Client struct {
	ID      uint64
	Snaptag int64 // protocol.TagOrigin, protocol.TagAgent, or a snapshot tag
	Conn    Replier

	identified bool
}

// pending is a deferred origin-write reply, shared by every lock the write
// overlaps. When the hold count reaches zero the reply is sent and the
// structure dropped.
type pending struct {
	holdCount int
	client    *Client
	reply     protocol.Message
}

type snapLock struct {
	chunk   uint64
	holders []*Client
	waiters []*pending
}

// readlockChunk records client as a reader of chunk from the origin.
func (e *Engine) readlockChunk(chunk uint64, client *Client) {
	lock := e.locks[chunk]
	if lock == nil {
		lock = &snapLock{chunk: chunk}
		e.locks[chunk] = lock
	}
	lock.holders = append(lock.holders, client)
}

// waitforChunk attaches a pending origin-write reply to chunk's lock, if
// one exists. The pending is created on first use with one hold for the
// dispatcher itself, dropped when the request finishes.
func (e *Engine) waitforChunk(chunk uint64, p **pending) {
	lock := e.locks[chunk]
	if lock == nil {
		return
	}
	if *p == nil {
		*p = &pending{holdCount: 1}
		e.m.PendingDelta(1)
	}
	lock.waiters = append(lock.waiters, *p)
	(*p).holdCount++
}

// releaseLock removes one holder record for client. When the last holder
// goes, every waiter's hold count drops and replies reaching zero fire;
// the lock itself is then freed. Reports whether a holder was found.
func (e *Engine) releaseLock(lock *snapLock, client *Client) bool {
	found := -1
	for i, h := range lock.holders {
		if h == client {
			found = i
			break
		}
	}
	if found < 0 {
		logger.Warn("read lock holder not found", "chunk", lock.chunk, "client", client.ID)
		return false
	}
	lock.holders = append(lock.holders[:found], lock.holders[found+1:]...)
	if len(lock.holders) > 0 {
		return true
	}

	for _, p := range lock.waiters {
		if p.holdCount--; p.holdCount == 0 {
			e.firePending(p)
		}
	}
	delete(e.locks, lock.chunk)
	return true
}

// firePending sends a deferred reply.
func (e *Engine) firePending(p *pending) {
	e.m.PendingDelta(-1)
	if p.client == nil || p.client.Conn == nil {
		return
	}
	if err := p.client.Conn.Reply(p.reply); err != nil {
		logger.Warn("unable to deliver deferred origin write reply", "client", p.client.ID, "error", err)
	}
}

// releaseChunk removes client's hold on chunk.
func (e *Engine) releaseChunk(chunk uint64, client *Client) {
	lock := e.locks[chunk]
	if lock == nil {
		logger.Warn("chunk not locked", "chunk", chunk, "client", client.ID)
		return
	}
	e.releaseLock(lock, client)
}

// releaseClientLocks drops every hold the client still has, waking waiters
// as usual. Called on disconnect.
func (e *Engine) releaseClientLocks(client *Client) {
	for _, lock := range e.locks {
		for {
			held := false
			for _, h := range lock.holders {
				if h == client {
					held = true
					break
				}
			}
			if !held {
				break
			}
			e.releaseLock(lock, client)
		}
	}
}

// dropClientPendings forgets parked replies addressed to a departed
// client without delivering them.
func (e *Engine) dropClientPendings(client *Client) {
	for _, lock := range e.locks {
		for _, p := range lock.waiters {
			if p.client == client {
				p.client = nil
			}
		}
	}
}
