package frogbot

import (
	"context"
	"sync"
	"time"
)

const confirmationWarning = "WARNING: This action is **irreversible**. " +
	"Please confirm that you want to do this. (yes or no)"

// confirmations routes a user's next message in a channel to a command
// waiting on a yes/no answer
type confirmations struct {
	mu      sync.Mutex
	waiting map[string]chan string
}

func newConfirmations() *confirmations {
	return &confirmations{waiting: map[string]chan string{}}
}

func confirmationKey(channelID, userID string) string {
	return channelID + ":" + userID
}

// await waits up to timeout for the user's next message in the channel.
// It returns true only for an affirmative reply. A negative or
// unrecognized reply, a timeout or a canceled ctx all return false.
// If the user already has a pending confirmation in the channel, it is
// canceled.
func (c *confirmations) await(ctx context.Context, channelID, userID string, timeout time.Duration) bool {
	key := confirmationKey(channelID, userID)
	ch := make(chan string, 1)

	c.mu.Lock()
	if prev, ok := c.waiting[key]; ok {
		close(prev)
	}
	c.waiting[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiting[key] == ch {
			delete(c.waiting, key)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return false
		}
		confirmed, recognized := parsePositivity(reply)
		return recognized && confirmed
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// deliver hands the message to a waiting confirmation, reporting whether
// one was waiting
func (c *confirmations) deliver(channelID, userID, content string) bool {
	key := confirmationKey(channelID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiting[key]
	if !ok {
		return false
	}
	delete(c.waiting, key)
	ch <- content
	return true
}
