package reconcile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/notesync/command"
	"collabtext/notesync/document"
	"collabtext/notesync/push"
)

func newTestEngine(t *testing.T) (*Engine, *document.Store) {
	t.Helper()
	store := document.NewStore()
	e := New(store, nil)
	e.Load(document.Document{
		ID:      "doc-1",
		Title:   "Groceries",
		Version: 4,
		Blocks: []document.Block{
			{ID: "a", DocumentID: "doc-1", Data: "milk", Kind: document.KindText, Version: 3, Position: 0},
			{ID: "b", DocumentID: "doc-1", Data: "eggs", Kind: document.KindText, Version: 1, Position: 1},
		},
	})
	return e, store
}

func block(t *testing.T, s *document.Store, id string) document.Block {
	t.Helper()
	b, ok := s.Block(id)
	require.True(t, ok, "block %s missing", id)
	return b
}

func TestApplyRemote_StaleBlockUpdateIsNoop(t *testing.T) {
	e, s := newTestEngine(t)
	before := s.Snapshot()

	assert.False(t, e.ApplyRemote(push.BlockUpdated{BlockID: "a", Data: "old", BlockVersion: 3}))
	assert.False(t, e.ApplyRemote(push.BlockUpdated{BlockID: "a", Data: "older", BlockVersion: 2}))

	assert.Equal(t, before, s.Snapshot())
}

func TestApplyRemote_BlockUpdateUsesBlockVersion(t *testing.T) {
	e, s := newTestEngine(t)

	// The document version is not involved in admitting text updates.
	assert.True(t, e.ApplyRemote(push.BlockUpdated{BlockID: "b", Data: "bread", BlockVersion: 2}))

	b := block(t, s, "b")
	assert.Equal(t, "bread", b.Data)
	assert.Equal(t, 2, b.Version)
	assert.Equal(t, 4, s.Version())
}

func TestApplyRemote_DuplicateBlockAddedInsertsOnce(t *testing.T) {
	e, s := newTestEngine(t)
	ev := push.BlockAdded{BlockID: "c", Position: 1, Data: "tea", Kind: "text", DocumentVersion: 5}

	assert.True(t, e.ApplyRemote(ev))
	assert.False(t, e.ApplyRemote(ev))

	assert.Equal(t, []string{"milk", "tea", "eggs"}, s.Snapshot().Texts())
	assert.Equal(t, 5, s.Version())
}

func TestApplyRemote_BlockAddedClampsPosition(t *testing.T) {
	e, s := newTestEngine(t)

	assert.True(t, e.ApplyRemote(push.BlockAdded{BlockID: "c", Position: 40, Data: "end", DocumentVersion: 5}))
	assert.True(t, e.ApplyRemote(push.BlockAdded{BlockID: "d", Position: -3, Data: "start", DocumentVersion: 6}))

	assert.Equal(t, []string{"start", "milk", "eggs", "end"}, s.Snapshot().Texts())
	assert.Equal(t, document.KindText, block(t, s, "c").Kind)
}

func TestApplyRemote_BlockDeletedAndRenamed(t *testing.T) {
	e, s := newTestEngine(t)

	assert.False(t, e.ApplyRemote(push.BlockDeleted{BlockID: "a", DocumentVersion: 4}))
	assert.True(t, e.ApplyRemote(push.BlockDeleted{BlockID: "a", DocumentVersion: 5}))
	assert.Equal(t, []string{"eggs"}, s.Snapshot().Texts())

	// Unknown blocks still move the version forward.
	assert.True(t, e.ApplyRemote(push.BlockDeleted{BlockID: "zzz", DocumentVersion: 6}))
	assert.Equal(t, 6, s.Version())

	assert.True(t, e.ApplyRemote(push.DocumentRenamed{Title: "Shopping", DocumentVersion: 7}))
	assert.Equal(t, "Shopping", s.Title())
	assert.Equal(t, 7, s.Version())
}

func TestApplyRemote_DocumentDeletedAndReconnected(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.False(t, e.ApplyRemote(push.Reconnected{}))
	assert.True(t, e.NeedsResync())

	assert.True(t, e.ApplyRemote(push.DocumentDeleted{DocumentVersion: 5}))
	assert.True(t, e.Deleted())

	assert.False(t, e.ApplyRemote(nil))
}

func TestSettleUpdate_TransportFailureRestoresBlock(t *testing.T) {
	e, s := newTestEngine(t)
	before := block(t, s, "a")

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, s.SetData("a", "oat milk"))

	err := e.SettleUpdate(p, "a", "oat milk", command.Fail(errors.New("connection reset")))
	e.Finish(p)

	assert.ErrorIs(t, err, command.ErrTransport)
	assert.Equal(t, before, block(t, s, "a"))
	assert.False(t, e.NeedsResync())
	assert.Zero(t, e.PendingCount())
}

func TestSettleUpdate_ConflictRollsBackAndFlagsResync(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, s.SetData("a", "oat milk"))

	err := e.SettleUpdate(p, "a", "oat milk", command.Reject())
	e.Finish(p)

	assert.ErrorIs(t, err, command.ErrConflict)
	assert.Equal(t, "milk", block(t, s, "a").Data)
	assert.True(t, e.NeedsResync())
}

func TestSettleUpdate_LocalConfirmationWinsOverRacingRemote(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, s.SetData("a", "foo"))

	assert.True(t, e.ApplyRemote(push.BlockUpdated{BlockID: "a", Data: "remote", BlockVersion: 5}))
	assert.Equal(t, "remote", block(t, s, "a").Data)

	require.NoError(t, e.SettleUpdate(p, "a", "foo", command.Accept(6)))
	e.Finish(p)

	b := block(t, s, "a")
	assert.Equal(t, "foo", b.Data)
	assert.Equal(t, 6, b.Version)
}

func TestSettleUpdate_FailureKeepsNewerRemoteText(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, s.SetData("a", "foo"))
	e.ApplyRemote(push.BlockUpdated{BlockID: "a", Data: "remote", BlockVersion: 5})

	require.Error(t, e.SettleUpdate(p, "a", "foo", command.Fail(nil)))
	e.Finish(p)

	b := block(t, s, "a")
	assert.Equal(t, "remote", b.Data)
	assert.Equal(t, 5, b.Version)
}

func TestSettleUpdate_LostReplyAfterEchoKeepsEchoedText(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, s.SetData("a", "oat milk"))

	// The authority accepted the edit and pushed it, then the reply was lost.
	assert.True(t, e.ApplyRemote(push.BlockUpdated{BlockID: "a", Data: "oat milk", BlockVersion: 4}))
	require.ErrorIs(t, e.SettleUpdate(p, "a", "oat milk", command.Fail(errors.New("connection reset"))), command.ErrTransport)
	e.Finish(p)

	b := block(t, s, "a")
	assert.Equal(t, "oat milk", b.Data)
	assert.Equal(t, 4, b.Version)
}

func TestSettle_LateSettlementAfterLoadIsDiscarded(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("a"))
	require.NoError(t, e.Track(p, "a"))
	wait := e.Busy(BlockKey("a"))
	require.NotNil(t, wait)

	e.Load(document.Document{ID: "doc-2", Version: 1, Blocks: []document.Block{{ID: "a", Data: "other"}}})
	select {
	case <-wait:
	default:
		t.Fatal("waiters not released by Load")
	}

	err := e.SettleUpdate(p, "a", "foo", command.Accept(9))
	e.Finish(p)

	assert.ErrorIs(t, err, ErrDiscarded)
	assert.Equal(t, "other", block(t, s, "a").Data)
	assert.Equal(t, 0, block(t, s, "a").Version)
}

func TestBusyGatesQueueSecondOperation(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Nil(t, e.Busy(BlockKey("a")))
	p := e.Begin(BlockKey("a"), DocKey)
	wait := e.Busy(BlockKey("b"), DocKey)
	require.NotNil(t, wait)
	assert.Nil(t, e.Busy(BlockKey("b")))

	e.Finish(p)
	select {
	case <-wait:
	default:
		t.Fatal("gate not released")
	}
	assert.Nil(t, e.Busy(BlockKey("a"), DocKey))
}

func TestSettleAdd_ReplacesTemporaryID(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(DocKey)
	require.NoError(t, s.InsertAt(1, document.Block{ID: "tmp-1", Data: "jam"}))
	e.TrackCreated(p, "tmp-1")

	o := command.Accept(5)
	o.CreatedID = "c"
	id, err := e.SettleAdd(p, "tmp-1", o)
	e.Finish(p)

	require.NoError(t, err)
	assert.Equal(t, "c", id)
	assert.Equal(t, "c", e.Resolve("tmp-1"))
	assert.Equal(t, 1, mustIndex(t, s, "c"))
	assert.Equal(t, 5, s.Version())

	// The echo of the same add is now a duplicate.
	assert.False(t, e.ApplyRemote(push.BlockAdded{BlockID: "c", Position: 1, Data: "jam", DocumentVersion: 5}))
	assert.Equal(t, 3, s.Len())
}

func TestSettleAdd_EchoBeforeReplyIsDeduplicated(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(DocKey)
	require.NoError(t, s.InsertAt(1, document.Block{ID: "tmp-1", Data: "jam"}))
	e.TrackCreated(p, "tmp-1")

	assert.True(t, e.ApplyRemote(push.BlockAdded{BlockID: "c", Position: 1, Data: "jam", DocumentVersion: 5}))
	assert.Equal(t, 4, s.Len())

	o := command.Accept(5)
	o.CreatedID = "c"
	_, err := e.SettleAdd(p, "tmp-1", o)
	e.Finish(p)

	require.NoError(t, err)
	assert.Equal(t, []string{"milk", "jam", "eggs"}, s.Snapshot().Texts())
	_, ok := s.Block("tmp-1")
	assert.False(t, ok)
}

func TestRollback_ReinsertsRemovedBlockAndDropsCreated(t *testing.T) {
	e, s := newTestEngine(t)
	before := s.Snapshot()

	p := e.Begin(BlockKey("a"), BlockKey("b"), DocKey)
	require.NoError(t, e.Track(p, "a"))
	require.NoError(t, e.Track(p, "b"))
	require.NoError(t, s.SetData("a", "milkeggs"))
	_, _, err := s.RemoveByID("b")
	require.NoError(t, err)
	require.NoError(t, s.InsertAt(1, document.Block{ID: "tmp", Data: "x"}))
	e.TrackCreated(p, "tmp")

	require.Error(t, e.SettleDelete(p, "b", command.Fail(nil)))
	e.Finish(p)

	assert.Equal(t, before.Blocks, s.Snapshot().Blocks)
}

func TestRollback_DoesNotResurrectRemotelyDeletedBlock(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(BlockKey("b"), DocKey)
	require.NoError(t, e.Track(p, "b"))
	_, _, err := s.RemoveByID("b")
	require.NoError(t, err)

	e.ApplyRemote(push.BlockDeleted{BlockID: "b", DocumentVersion: 5})
	require.Error(t, e.SettleDelete(p, "b", command.Fail(nil)))
	e.Finish(p)

	assert.Equal(t, []string{"milk"}, s.Snapshot().Texts())
}

func TestSettleRename(t *testing.T) {
	e, s := newTestEngine(t)

	p := e.Begin(DocKey)
	e.TrackTitle(p)
	s.SetTitle("Errands")
	require.Error(t, e.SettleRename(p, "Errands", command.Fail(nil)))
	e.Finish(p)
	assert.Equal(t, "Groceries", s.Title())
	assert.Equal(t, 4, s.Version())

	p = e.Begin(DocKey)
	e.TrackTitle(p)
	s.SetTitle("Errands")
	require.NoError(t, e.SettleRename(p, "Errands", command.Accept(5)))
	e.Finish(p)
	assert.Equal(t, "Errands", s.Title())
	assert.Equal(t, 5, s.Version())
}

func mustIndex(t *testing.T, s *document.Store, id string) int {
	t.Helper()
	i, ok := s.IndexOf(id)
	require.True(t, ok)
	return i
}
