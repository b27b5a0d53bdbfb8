package vidplane

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMailbox(t *testing.T) {
	m := newFrameMailbox()
	id, ok := m.Advance()
	assert.False(t, ok)
	assert.Equal(t, noFrame, id)

	_, dropped := m.Publish(3)
	assert.False(t, dropped)
	id, ok = m.Advance()
	require.True(t, ok)
	assert.Equal(t, 3, id)

	// 4 is superseded before the consumer looks.
	m.Publish(4)
	old, dropped := m.Publish(5)
	assert.True(t, dropped)
	assert.Equal(t, 4, old)
	assert.Equal(t, 1, m.Drops())

	id, ok = m.Advance()
	require.True(t, ok)
	assert.Equal(t, 5, id)
	assert.Equal(t, []int{3}, m.TakeRetired(nil))
	assert.Empty(t, m.TakeRetired(nil))

	id, ok = m.Advance()
	assert.False(t, ok, "nothing new published")
	assert.Equal(t, 5, id, "the current frame stays shown")

	m.Reset()
	id, ok = m.Advance()
	assert.False(t, ok)
	assert.Equal(t, noFrame, id)
	assert.Equal(t, 1, m.Drops(), "reset keeps the drop count")
}

// Every buffer published is handed back exactly once, as a drop or a
// retirement, or is still held by the mailbox.
func TestFrameMailboxAccountsForEveryBuffer(t *testing.T) {
	const frames = 5000
	m := newFrameMailbox()

	var (
		wg       sync.WaitGroup
		returned = make(map[int]int)
		mu       sync.Mutex
		shown    []int
	)
	give := func(ids ...int) {
		mu.Lock()
		for _, id := range ids {
			returned[id]++
		}
		mu.Unlock()
	}

	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if id, ok := m.Advance(); ok {
				shown = append(shown, id)
			}
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	var retired []int
	for i := 0; i < frames; i++ {
		if old, ok := m.Publish(i); ok {
			give(old)
		}
		retired = m.TakeRetired(retired[:0])
		give(retired...)
	}
	close(stop)
	wg.Wait()
	give(m.TakeRetired(nil)...)

	// Show the last publish if the consumer missed it.
	last, ok := m.Advance()
	if ok {
		give(m.TakeRetired(nil)...)
	}
	held := 0
	if last != noFrame {
		held = 1
	}

	for id, n := range returned {
		assert.Equal(t, 1, n, "buffer %d returned %d times", id, n)
	}
	assert.Equal(t, frames, len(returned)+held)
	assert.LessOrEqual(t, m.Drops(), len(returned))
	for i := 1; i < len(shown); i++ {
		assert.Greater(t, shown[i], shown[i-1], "frames are shown in publish order")
	}
}
