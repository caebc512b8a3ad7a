package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes [][]Typist
}

func (r *changeRecorder) record(_ string, typists []Typist) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, typists)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *changeRecorder) last() []Typist {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return nil
	}
	return r.changes[len(r.changes)-1]
}

func TestStartAddsTypist(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(time.Minute, rec.record)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")

	typists := a.Typists("conv-1")
	require.Len(t, typists, 1)
	assert.Equal(t, "alice", typists[0].Username)
	assert.Equal(t, 1, rec.count())
}

func TestRenewalDoesNotRefire(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(time.Minute, rec.record)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")
	a.Start("conv-1", "u-alice", "alice")
	a.Start("conv-1", "u-alice", "alice")

	assert.Equal(t, 1, rec.count(), "renewals must not fire change callbacks")
	assert.Len(t, a.Typists("conv-1"), 1)
}

func TestIndicatorExpiresAfterTTL(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(50*time.Millisecond, rec.record)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")
	require.Len(t, a.Typists("conv-1"), 1)

	assert.Eventually(t, func() bool {
		return len(a.Typists("conv-1")) == 0
	}, time.Second, 10*time.Millisecond, "typist should expire without renewal")

	assert.Equal(t, 2, rec.count())
	assert.Empty(t, rec.last())
}

func TestRenewalExtendsTTL(t *testing.T) {
	a := NewAggregator(80*time.Millisecond, nil)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		a.Start("conv-1", "u-alice", "alice")
		require.Len(t, a.Typists("conv-1"), 1, "renewed typist must not expire")
	}
}

func TestExplicitStopRemovesImmediately(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(time.Minute, rec.record)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")
	a.Stop("conv-1", "u-alice")

	assert.Empty(t, a.Typists("conv-1"))
	assert.Equal(t, 2, rec.count())
}

func TestStopForUnknownUserIsSilent(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(time.Minute, rec.record)
	defer a.Close()

	a.Stop("conv-1", "u-ghost")
	assert.Zero(t, rec.count())
}

func TestConversationsAreIndependent(t *testing.T) {
	a := NewAggregator(time.Minute, nil)
	defer a.Close()

	a.Start("conv-1", "u-alice", "alice")
	a.Start("conv-2", "u-bob", "bob")

	assert.Len(t, a.Typists("conv-1"), 1)
	assert.Len(t, a.Typists("conv-2"), 1)

	a.Stop("conv-1", "u-alice")
	assert.Empty(t, a.Typists("conv-1"))
	assert.Len(t, a.Typists("conv-2"), 1)
}

func TestSnapshotIsSortedByUserID(t *testing.T) {
	a := NewAggregator(time.Minute, nil)
	defer a.Close()

	a.Start("conv-1", "u-carol", "carol")
	a.Start("conv-1", "u-alice", "alice")
	a.Start("conv-1", "u-bob", "bob")

	typists := a.Typists("conv-1")
	require.Len(t, typists, 3)
	assert.Equal(t, "u-alice", typists[0].UserID)
	assert.Equal(t, "u-bob", typists[1].UserID)
	assert.Equal(t, "u-carol", typists[2].UserID)
}

func TestCloseSilencesAggregator(t *testing.T) {
	rec := &changeRecorder{}
	a := NewAggregator(30*time.Millisecond, rec.record)

	a.Start("conv-1", "u-alice", "alice")
	a.Close()
	before := rec.count()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, rec.count(), "no callbacks after Close")
	a.Start("conv-1", "u-bob", "bob")
	assert.Empty(t, a.Typists("conv-1"))
}
