package murmur

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mergeBase = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type mergeFixture struct {
	ids   *IdentityResolver
	tombs *TombstoneStore
	stats Stats
	eng   *MergeEngine
}

func newMergeFixture() *mergeFixture {
	f := &mergeFixture{
		ids:   NewIdentityResolver(nil),
		tombs: NewTombstoneStore(),
	}
	f.eng = NewMergeEngine(f.ids, f.tombs, &f.stats, nil)
	return f
}

func msg(id, sender, content string, at time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		CreatedAt:      at,
		DeliveryState:  DeliveryDelivered,
	}
}

func TestMergeInsertAndOrder(t *testing.T) {
	f := newMergeFixture()

	out, changed := f.eng.Merge(nil, []*Message{
		msg("m3", "u1", "third", mergeBase.Add(3*time.Second)),
		msg("m1", "u1", "first", mergeBase.Add(1*time.Second)),
		msg("m2", "u2", "second", mergeBase.Add(2*time.Second)),
	}, SourceHistory)

	require.True(t, changed)
	require.Len(t, out, 3)
	assert.Equal(t, "m1", out[0].ID)
	assert.Equal(t, "m2", out[1].ID)
	assert.Equal(t, "m3", out[2].ID)
	assert.Equal(t, uint64(3), f.stats.Inserted)
}

func TestMergeTimestampTieBreaksOnID(t *testing.T) {
	f := newMergeFixture()

	out, _ := f.eng.Merge(nil, []*Message{
		msg("b", "u1", "x", mergeBase),
		msg("a", "u1", "y", mergeBase),
	}, SourceHistory)

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
}

func TestMergeIdempotent(t *testing.T) {
	f := newMergeFixture()
	batch := []*Message{msg("m1", "u1", "hello", mergeBase)}

	out, changed := f.eng.Merge(nil, batch, SourceHistory)
	require.True(t, changed)

	again, changed := f.eng.Merge(out, batch, SourceHistory)
	assert.False(t, changed)
	assert.Same(t, out[0], again[0], "unchanged merge returns the same slice")
}

func TestMergeStaleDiscarded(t *testing.T) {
	f := newMergeFixture()
	edited := mergeBase.Add(10 * time.Second)
	cur := msg("m1", "u1", "newer", mergeBase)
	cur.EditedAt = &edited

	out, changed := f.eng.Merge([]*Message{cur}, []*Message{
		msg("m1", "u1", "older snapshot", mergeBase),
	}, SourceHistory)

	assert.False(t, changed)
	assert.Equal(t, "newer", out[0].Content)
	assert.Equal(t, uint64(1), f.stats.StaleDiscarded)
}

func TestMergeNewerEditApplies(t *testing.T) {
	f := newMergeFixture()
	cur := msg("m1", "u1", "original", mergeBase)

	edited := mergeBase.Add(5 * time.Second)
	r := msg("m1", "u1", "revised", mergeBase)
	r.EditedAt = &edited

	out, changed := f.eng.Merge([]*Message{cur}, []*Message{r}, SourceRealtime)
	require.True(t, changed)
	assert.Equal(t, "revised", out[0].Content)
	assert.Equal(t, uint64(1), f.stats.Updated)
}

func TestMergeDeleteTombstoneDominates(t *testing.T) {
	f := newMergeFixture()
	deletedAt := mergeBase.Add(30 * time.Second)
	f.tombs.MarkDeleted("m1", deletedAt)

	del := msg("m1", "u1", "bye", mergeBase)
	da := deletedAt
	del.DeletedAt = &da

	// A history page captured before the deletion re-sends the live snapshot.
	out, changed := f.eng.Merge([]*Message{del}, []*Message{
		msg("m1", "u1", "bye", mergeBase),
	}, SourceHistory)

	assert.False(t, changed)
	require.NotNil(t, out[0].DeletedAt)
	assert.Equal(t, uint64(1), f.stats.TombstoneUpheld)
}

func TestMergeDeleteTombstoneAppliesToInsert(t *testing.T) {
	f := newMergeFixture()
	f.tombs.MarkDeleted("m1", mergeBase.Add(time.Second))

	out, changed := f.eng.Merge(nil, []*Message{
		msg("m1", "u1", "hello", mergeBase),
	}, SourceHistory)

	require.True(t, changed)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsDeleted(), "a tombstoned id enters the cache already deleted")
}

func TestMergeEditTombstone(t *testing.T) {
	t.Run("holds against snapshot without newer edit", func(t *testing.T) {
		f := newMergeFixture()
		editedAt := mergeBase.Add(20 * time.Second)
		f.tombs.MarkEdited("m1", "local edit", editedAt)

		cur := msg("m1", "u1", "local edit", mergeBase)
		ea := editedAt
		cur.EditedAt = &ea

		out, changed := f.eng.Merge([]*Message{cur}, []*Message{
			msg("m1", "u1", "pre-edit content", mergeBase),
		}, SourceRealtime)

		assert.False(t, changed)
		assert.Equal(t, "local edit", out[0].Content)
		assert.Equal(t, uint64(1), f.stats.TombstoneUpheld)
	})

	t.Run("yields to strictly newer remote edit", func(t *testing.T) {
		f := newMergeFixture()
		editedAt := mergeBase.Add(20 * time.Second)
		f.tombs.MarkEdited("m1", "local edit", editedAt)

		cur := msg("m1", "u1", "local edit", mergeBase)
		ea := editedAt
		cur.EditedAt = &ea

		remoteEdit := mergeBase.Add(40 * time.Second)
		r := msg("m1", "u2", "remote edit", mergeBase)
		r.EditedAt = &remoteEdit

		out, changed := f.eng.Merge([]*Message{cur}, []*Message{r}, SourceRealtime)
		require.True(t, changed)
		assert.Equal(t, "remote edit", out[0].Content)
	})
}

func TestMergeEchoClaimsProvisional(t *testing.T) {
	f := newMergeFixture()
	f.ids.RegisterProvisional("tmp-1", "u1", "hello", mergeBase)

	pending := msg("tmp-1", "u1", "hello", mergeBase)
	pending.DeliveryState = DeliveryPending

	echo := msg("srv-1", "u1", "hello", mergeBase.Add(time.Second))

	out, changed := f.eng.Merge([]*Message{pending}, []*Message{echo}, SourceRealtime)
	require.True(t, changed)
	require.Len(t, out, 1, "echo replaces the provisional, no duplicate")
	assert.Equal(t, "srv-1", out[0].ID)
	assert.Equal(t, "tmp-1", out[0].ProvisionalID)
	assert.Equal(t, DeliveryDelivered, out[0].DeliveryState)
	assert.False(t, f.ids.IsOpen("tmp-1"))
	assert.Equal(t, "srv-1", f.ids.CanonicalID("tmp-1"))
}

func TestMergeEchoClaimCoalescesCachedPermanent(t *testing.T) {
	f := newMergeFixture()
	f.ids.RegisterProvisional("tmp-1", "u1", "hello", mergeBase)

	pending := msg("tmp-1", "u1", "hello", mergeBase)
	pending.DeliveryState = DeliveryPending
	cur, _ := f.eng.Merge(nil, []*Message{pending}, SourceOptimistic)

	// A history snapshot with a skewed timestamp lands under the permanent
	// id without matching the open provisional.
	cur, _ = f.eng.Merge(cur, []*Message{msg("srv-1", "u1", "hello", mergeBase.Add(30*time.Second))}, SourceHistory)
	require.Len(t, cur, 2)

	// The realtime echo with the corrected timestamp matches the
	// provisional. The two rows must collapse into one; an id never
	// appears twice.
	out, changed := f.eng.Merge(cur, []*Message{msg("srv-1", "u1", "hello", mergeBase.Add(2*time.Second))}, SourceRealtime)
	require.True(t, changed)
	require.Len(t, out, 1)
	assert.Equal(t, "srv-1", out[0].ID)
	assert.Equal(t, "tmp-1", out[0].ProvisionalID)
	assert.Equal(t, DeliveryDelivered, out[0].DeliveryState)
	assert.False(t, f.ids.IsOpen("tmp-1"))
}

func TestMergeEchoCarriesRekeyedTombstone(t *testing.T) {
	f := newMergeFixture()
	f.ids.RegisterProvisional("tmp-1", "u1", "hello", mergeBase)
	f.tombs.MarkDeleted("tmp-1", mergeBase.Add(time.Second))

	deleted := msg("tmp-1", "u1", "hello", mergeBase)
	da := mergeBase.Add(time.Second)
	deleted.DeletedAt = &da
	deleted.DeliveryState = DeliveryPending

	echo := msg("srv-1", "u1", "hello", mergeBase.Add(2*time.Second))

	out, changed := f.eng.Merge([]*Message{deleted}, []*Message{echo}, SourceRealtime)
	require.True(t, changed)
	require.Len(t, out, 1)
	assert.Equal(t, "srv-1", out[0].ID)
	assert.True(t, out[0].IsDeleted(), "delete-while-pending survives the echo")

	tb, ok := f.tombs.Lookup("srv-1")
	require.True(t, ok)
	assert.True(t, tb.Deleted)
}

func TestMergeRetiredIDCanonicalized(t *testing.T) {
	f := newMergeFixture()
	f.ids.RegisterProvisional("tmp-1", "u1", "hello", mergeBase)
	require.True(t, f.ids.Resolve("tmp-1", "srv-1"))

	cur := msg("srv-1", "u1", "hello", mergeBase)

	// A straggler frame still referencing the provisional id.
	edited := mergeBase.Add(5 * time.Second)
	late := msg("tmp-1", "u1", "revised", mergeBase)
	late.EditedAt = &edited

	out, changed := f.eng.Merge([]*Message{cur}, []*Message{late}, SourceRealtime)
	require.True(t, changed)
	require.Len(t, out, 1)
	assert.Equal(t, "srv-1", out[0].ID)
	assert.Equal(t, "revised", out[0].Content)
}

func TestMergeMalformedDropped(t *testing.T) {
	f := newMergeFixture()

	out, changed := f.eng.Merge(nil, []*Message{
		nil,
		{Content: "no id", CreatedAt: mergeBase},
		msg("m1", "u1", "valid", mergeBase),
	}, SourceRealtime)

	require.True(t, changed)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].ID)
	assert.Equal(t, uint64(2), f.stats.MalformedDropped)
	assert.Equal(t, uint64(1), f.stats.Ingested, "malformed records are not counted as ingested")
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	f := newMergeFixture()
	cur := msg("m1", "u1", "original", mergeBase)
	current := []*Message{cur}

	edited := mergeBase.Add(time.Second)
	r := msg("m1", "u1", "revised", mergeBase)
	r.EditedAt = &edited

	_, changed := f.eng.Merge(current, []*Message{r}, SourceRealtime)
	require.True(t, changed)
	assert.Equal(t, "original", cur.Content)
	assert.Same(t, cur, current[0])
}
