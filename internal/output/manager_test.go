package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerJobLifecycle(t *testing.T) {
	m := NewManager()
	m.Register("a", "https://a.itch.io/one")
	m.Register("b", "https://a.itch.io/two")

	m.SetMessage("a", "Downloading")
	m.Complete("a", "Done")
	m.Fail("b", "boom")
	m.SetMessage("missing", "ignored")

	first := m.outputs["a"]
	require.NotNil(t, first)
	assert.Equal(t, "success", first.Status)
	assert.Equal(t, "Done", first.Message)
	assert.True(t, first.Complete)
	assert.Equal(t, 1, first.Index)

	second := m.outputs["b"]
	require.NotNil(t, second)
	assert.Equal(t, "error", second.Status)
	assert.Equal(t, "boom", second.Message)
	assert.Equal(t, 2, second.Index)
}

func TestManagerDisplayStops(t *testing.T) {
	m := NewManager()
	m.displayTick = time.Millisecond
	m.Register("a", "https://a.itch.io/one")
	m.StartDisplay()
	m.Complete("a", "Done")

	done := make(chan struct{})
	go func() {
		m.StopDisplay()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("display goroutine did not stop")
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 20))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
